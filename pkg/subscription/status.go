package subscription

import (
	"fmt"
	"strings"
)

// Kind tells the mapper which provider vocabulary a status string comes from.
type Kind string

const (
	KindSubscription Kind = "subscription"
	KindPayment      Kind = "payment"
	// KindInternal is used for decisions originating locally (duplicate cleanup, operator action).
	KindInternal Kind = "internal"
)

// StatusNone means the provider status has no local equivalent and must be ignored.
const StatusNone Status = ""

var statusVocabulary = map[Kind]map[string]Status{
	KindSubscription: {
		"pending":    StatusPending,
		"authorized": StatusActive,
		"active":     StatusActive,
		"paused":     StatusPaused,
		"cancelled":  StatusCancelled,
		"canceled":   StatusCancelled,
		"expired":    StatusCancelled,
	},
	KindPayment: {
		// A settled charge is evidence of an active subscription.
		"approved":   StatusActive,
		"authorized": StatusActive,
		// Charges in flight or reversed say nothing about the subscription lifecycle.
		"pending":      StatusNone,
		"in_process":   StatusNone,
		"in_mediation": StatusNone,
		"rejected":     StatusNone,
		"cancelled":    StatusNone,
		"refunded":     StatusNone,
		"charged_back": StatusNone,
	},
	KindInternal: {
		"pending":   StatusPending,
		"active":    StatusActive,
		"paused":    StatusPaused,
		"cancelled": StatusCancelled,
	},
}

// MapStatus maps a provider status onto the local vocabulary. It is total over the
// known vocabulary: every known status maps to exactly one local status or to
// StatusNone. Anything else returns ErrUnknownProviderStatus.
func MapStatus(kind Kind, providerStatus string) (Status, error) {
	vocab, ok := statusVocabulary[kind]
	if !ok {
		return StatusNone, fmt.Errorf("%w: unknown kind %q", ErrUnknownProviderStatus, kind)
	}
	st, ok := vocab[strings.ToLower(strings.TrimSpace(providerStatus))]
	if !ok {
		return StatusNone, fmt.Errorf("%w: %s status %q", ErrUnknownProviderStatus, kind, providerStatus)
	}
	return st, nil
}

// SettledPayment reports whether a payment status means money was captured.
func SettledPayment(providerStatus string) bool {
	st, err := MapStatus(KindPayment, providerStatus)
	return err == nil && st == StatusActive
}
