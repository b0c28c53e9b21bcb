package provider

import "errors"

var (
	ErrMissingBaseURL      = errors.New("provider base URL is not configured")
	ErrMissingID           = errors.New("provider resource id is required")
	ErrEmptyCriteria       = errors.New("search criteria must set at least one filter")
	ErrNotFound            = errors.New("provider resource not found")
	ErrInvalidRequest      = errors.New("provider rejected the request")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrCircuitOpen         = errors.New("provider circuit breaker is open")
	ErrUnexpectedResponse  = errors.New("unexpected provider response")
)
