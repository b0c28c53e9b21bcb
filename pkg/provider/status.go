package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx response from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Code, e.Body)
}

// Unwrap maps the status code onto the package sentinels.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusNotFound:
		return ErrNotFound
	case permanentStatus(e.Code):
		return ErrInvalidRequest
	default:
		return ErrProviderUnavailable
	}
}

// permanentStatus reports whether a retry cannot change the answer.
// Most 4xx codes are final; timeouts and rate limits are not.
func permanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	default:
		return true
	}
}

func isDefinitive(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && permanentStatus(se.Code)
}

func classify(err error) Outcome {
	var se *StatusError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &se) && se.Code == http.StatusNotFound:
		return OutcomeNotFound
	case errors.As(err, &se) && permanentStatus(se.Code):
		return OutcomeInvalidRequest
	default:
		return OutcomeTransient
	}
}
