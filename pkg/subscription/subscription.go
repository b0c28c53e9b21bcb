package subscription

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the local lifecycle state of a subscription.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// Open reports whether the status counts toward the one-open-subscription-per-product rule.
func (s Status) Open() bool { return s == StatusPending || s == StatusActive }

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool { return s == StatusCancelled }

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusPaused, StatusCancelled:
		return true
	}
	return false
}

// FrequencyUnit is the billing period unit.
type FrequencyUnit string

const (
	Days   FrequencyUnit = "days"
	Weeks  FrequencyUnit = "weeks"
	Months FrequencyUnit = "months"
	Years  FrequencyUnit = "years"
)

// ParseFrequencyUnit accepts singular and plural spellings in any case.
func ParseFrequencyUnit(s string) (FrequencyUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "days":
		return Days, nil
	case "week", "weeks":
		return Weeks, nil
	case "month", "months":
		return Months, nil
	case "year", "years":
		return Years, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFrequencyUnit, s)
	}
}

// Record is the local mirror of a provider subscription.
// Records are never deleted; cancelled is terminal.
type Record struct {
	ID                     uuid.UUID
	UserID                 string
	ProductID              string
	ExternalReference      string
	ProviderSubscriptionID string // empty until the provider confirms it
	ProviderPayerID        string // learned from the first matched provider event
	CustomerEmail          string

	Status       Status
	LastSyncAt   time.Time
	ActivatedAt  *time.Time
	CancelledAt  *time.Time
	CancelReason string

	Frequency          int
	FrequencyUnit      FrequencyUnit
	Amount             int64 // minor units
	Currency           string
	NextBillingDate    *time.Time
	LastBillingDate    *time.Time
	TotalPaymentsCount int
	TotalAmountPaid    int64

	// CheckedAt is the last time the reconciliation scheduler polled the provider
	// for this record. Store.MarkChecked owns it; Update leaves it alone.
	CheckedAt time.Time

	// Version is bumped by every successful store update and used for compare-and-set.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.ActivatedAt = cloneTime(r.ActivatedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.NextBillingDate = cloneTime(r.NextBillingDate)
	c.LastBillingDate = cloneTime(r.LastBillingDate)
	return &c
}

// PaymentEvent is an immutable record of one provider-reported charge.
type PaymentEvent struct {
	ID                uuid.UUID
	ProviderPaymentID string // unique
	SubscriptionID    uuid.UUID
	Amount            int64
	Currency          string
	Status            string
	PaidAt            time.Time
	NextBillingDate   time.Time
	CreatedAt         time.Time
}

// EventStatus is the processing state of an inbound webhook.
type EventStatus string

const (
	EventReceived  EventStatus = "received"
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
)

// WebhookEvent is the dedup and audit record of one inbound notification.
type WebhookEvent struct {
	EventID     string // provider event ID, or a fingerprint when absent
	Type        string
	Action      string
	ResourceID  string
	Status      EventStatus
	Error       string
	Attempts    int
	Payload     []byte
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// KnownPaymentMapping is a hand-resolved payment to subscription link.
// Every entry must carry who added it and why.
type KnownPaymentMapping struct {
	ProviderPaymentID string
	SubscriptionID    uuid.UUID
	AddedBy           string
	Reason            string
	CreatedAt         time.Time
}

// Validate checks the mapping is traceable to a manual resolution.
func (m KnownPaymentMapping) Validate() error {
	if strings.TrimSpace(m.ProviderPaymentID) == "" || m.SubscriptionID == uuid.Nil {
		return fmt.Errorf("%w: payment id and subscription id are required", ErrMissingProvenance)
	}
	if strings.TrimSpace(m.AddedBy) == "" || strings.TrimSpace(m.Reason) == "" {
		return ErrMissingProvenance
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
