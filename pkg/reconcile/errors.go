package reconcile

import "errors"

var (
	ErrUnmatched           = errors.New("reconcile: no subscription matches the event")
	ErrAmbiguous           = errors.New("reconcile: event matches more than one subscription")
	ErrProviderLookup      = errors.New("reconcile: provider lookup failed")
	ErrAlreadyRunning      = errors.New("reconcile: a run is already in progress")
	ErrLeaseLost           = errors.New("reconcile: lease lost during the run")
	ErrAlreadyStarted      = errors.New("reconcile: scheduler already started")
	ErrNotStarted          = errors.New("reconcile: scheduler not started")
	ErrMissingProvider     = errors.New("reconcile: provider client is required")
	ErrMissingStore        = errors.New("reconcile: store is required")
	ErrMissingCollaborator = errors.New("reconcile: matcher and ledger are required")
	ErrUnauthorized        = errors.New("reconcile: unauthorized")
)
