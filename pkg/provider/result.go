package provider

import "fmt"

// Outcome tags the result of a provider call. Retry and fallback decisions
// are made on the tag, never on error text.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNotFound
	OutcomeInvalidRequest
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeInvalidRequest:
		return "invalid_request"
	case OutcomeTransient:
		return "transient"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result carries either a value (OutcomeOK) or the reason there is none.
type Result[T any] struct {
	Outcome    Outcome
	Value      T
	StatusCode int
	Attempts   int
	Err        error
}

func (r Result[T]) OK() bool { return r.Outcome == OutcomeOK }

// Definitive reports whether retrying the same call cannot change the outcome.
func (r Result[T]) Definitive() bool { return r.Outcome != OutcomeTransient }

func ok[T any](v T, status, attempts int) Result[T] {
	return Result[T]{Outcome: OutcomeOK, Value: v, StatusCode: status, Attempts: attempts}
}

func failed[T any](outcome Outcome, status, attempts int, err error) Result[T] {
	return Result[T]{Outcome: outcome, StatusCode: status, Attempts: attempts, Err: err}
}
