package ingest

import "errors"

var (
	ErrMalformedPayload  = errors.New("ingest: malformed notification payload")
	ErrMissingResourceID = errors.New("ingest: notification carries no resource id")
	ErrMissingEventID    = errors.New("ingest: event id is required")
	ErrMissingProcessor  = errors.New("ingest: processor is required")
	ErrMissingEventLog   = errors.New("ingest: event log is required")
)
