package subscription

import "errors"

var (
	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrSubscriptionAlreadyExists = errors.New("subscription already exists")
	ErrPaymentNotFound           = errors.New("payment event not found")
	ErrMappingNotFound           = errors.New("known payment mapping not found")
	ErrMappingAlreadyExists      = errors.New("known payment mapping already exists")
	ErrEventNotFound             = errors.New("webhook event not found")
	ErrEventAlreadyExists        = errors.New("webhook event already recorded")

	// ErrStorageConflict is returned when a compare-and-set update lost a race.
	ErrStorageConflict = errors.New("subscription was modified concurrently")

	ErrTransitionRejected    = errors.New("subscription transition rejected")
	ErrUnknownProviderStatus = errors.New("unknown provider status")

	ErrInvalidExternalReference = errors.New("invalid external reference")
	ErrInvalidFrequencyUnit     = errors.New("invalid billing frequency unit")
	ErrInvalidCheckout          = errors.New("invalid checkout request")
	ErrReferenceCollision       = errors.New("could not allocate a unique external reference")
	ErrMissingProvenance        = errors.New("known payment mapping requires added_by and reason")
)
