package subscription

import (
	"fmt"
	"slices"
	"time"
)

// Outcome classifies a state machine decision.
type Outcome string

const (
	Transitioned Outcome = "transitioned"
	Reconfirmed  Outcome = "reconfirmed"
	Rejected     Outcome = "rejected"
	Ignored      Outcome = "ignored"
)

// Effect is a side effect the caller must execute after committing a decision.
type Effect string

const (
	EffectRecordPayment    Effect = "record_payment"
	EffectCancelDuplicates Effect = "cancel_duplicates"
	EffectNotifyActivated  Effect = "notify_activated"
	EffectNotifyCancelled  Effect = "notify_cancelled"
)

// transitions lists the allowed lifecycle edges. Cancelled has none.
var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCancelled},
	StatusActive:  {StatusPaused, StatusCancelled},
	StatusPaused:  {StatusActive, StatusCancelled},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Input is one observation of provider state.
type Input struct {
	Kind           Kind
	ProviderStatus string
	At             time.Time // when the provider produced the observation
	Reason         string    // recorded on cancellation
}

// Decision is the pure result of applying an Input to a Record.
type Decision struct {
	From    Status
	To      Status
	Outcome Outcome
	Reason  string
	At      time.Time
	Effects []Effect
}

// Changed reports whether committing the decision changes the status.
func (d Decision) Changed() bool { return d.Outcome == Transitioned }

// Has reports whether the decision carries effect e.
func (d Decision) Has(e Effect) bool { return slices.Contains(d.Effects, e) }

// Err returns ErrTransitionRejected for rejected decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Outcome != Rejected {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s: %s", ErrTransitionRejected, d.From, d.To, d.Reason)
}

// StateMachine decides subscription transitions. It never performs I/O and never
// mutates its input; Commit applies a decision to a record. It is the only code
// allowed to move a subscription to active.
type StateMachine struct {
	strict bool
	now    func() time.Time
}

// StateMachineOption configures a StateMachine.
type StateMachineOption func(*StateMachine)

// WithStrictStatuses makes unknown provider statuses an error instead of being ignored.
func WithStrictStatuses(strict bool) StateMachineOption {
	return func(m *StateMachine) { m.strict = strict }
}

// WithMachineClock sets the time used when an Input carries no timestamp.
func WithMachineClock(now func() time.Time) StateMachineOption {
	return func(m *StateMachine) {
		if now != nil {
			m.now = now
		}
	}
}

// NewStateMachine returns a state machine using the wall clock unless WithMachineClock is given.
func NewStateMachine(opts ...StateMachineOption) *StateMachine {
	m := &StateMachine{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply decides what in means for rec.
//
// A stale observation (older than rec.LastSyncAt) may only reconfirm the current
// status, with one exception: pending -> active is never a regression and is
// always allowed. A settled payment carries EffectRecordPayment even when the
// status transition itself is rejected, because the charge happened regardless.
func (m *StateMachine) Apply(rec *Record, in Input) (Decision, error) {
	at := in.At
	if at.IsZero() {
		at = m.now()
	}
	d := Decision{From: rec.Status, To: rec.Status, At: at}

	target, err := MapStatus(in.Kind, in.ProviderStatus)
	if err != nil {
		d.Outcome = Ignored
		d.Reason = err.Error()
		if m.strict {
			return d, err
		}
		return d, nil
	}
	if target == StatusNone {
		d.Outcome = Ignored
		d.Reason = fmt.Sprintf("%s status %q has no local equivalent", in.Kind, in.ProviderStatus)
		return d, nil
	}

	d.To = target
	if in.Kind == KindPayment && target == StatusActive {
		d.Effects = append(d.Effects, EffectRecordPayment)
	}

	switch {
	case target == rec.Status:
		d.Outcome = Reconfirmed
		return d, nil
	case rec.Status.Terminal():
		return reject(d, "cancelled is terminal"), nil
	case !CanTransition(rec.Status, target):
		return reject(d, "no such transition"), nil
	case m.stale(rec, at) && !(rec.Status == StatusPending && target == StatusActive):
		return reject(d, fmt.Sprintf("stale event at %s, last sync %s", at.Format(time.RFC3339), rec.LastSyncAt.Format(time.RFC3339))), nil
	}

	d.Outcome = Transitioned
	switch target {
	case StatusActive:
		if rec.Status == StatusPending {
			d.Effects = append(d.Effects, EffectCancelDuplicates, EffectNotifyActivated)
		}
	case StatusCancelled:
		d.Reason = in.Reason
		d.Effects = append(d.Effects, EffectNotifyCancelled)
	}
	return d, nil
}

func (m *StateMachine) stale(rec *Record, at time.Time) bool {
	return !rec.LastSyncAt.IsZero() && at.Before(rec.LastSyncAt)
}

func reject(d Decision, reason string) Decision {
	d.Outcome = Rejected
	d.Reason = reason
	return d
}

// Commit applies a transitioned or reconfirmed decision to rec. Rejected and
// ignored decisions leave rec untouched. LastSyncAt only moves forward.
func Commit(rec *Record, d Decision) {
	switch d.Outcome {
	case Transitioned:
		rec.Status = d.To
		switch d.To {
		case StatusActive:
			if rec.ActivatedAt == nil {
				at := d.At
				rec.ActivatedAt = &at
			}
		case StatusCancelled:
			at := d.At
			rec.CancelledAt = &at
			rec.CancelReason = d.Reason
		}
	case Reconfirmed:
	default:
		return
	}
	if d.At.After(rec.LastSyncAt) {
		rec.LastSyncAt = d.At
	}
}
