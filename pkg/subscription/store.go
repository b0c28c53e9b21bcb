package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PendingQuery filters pending subscriptions. Zero fields do not filter.
type PendingQuery struct {
	UserID        string
	ProductID     string
	CustomerEmail string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

// StaleQuery selects linked active and paused records that have not been synced
// or checked since Before.
type StaleQuery struct {
	Before time.Time
	Limit  int
}

// Store persists subscription records.
type Store interface {
	// Create inserts a new record. Returns ErrSubscriptionAlreadyExists when the
	// external reference is taken.
	Create(ctx context.Context, rec *Record) error

	// Get returns ErrSubscriptionNotFound when no record exists.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByExternalReference(ctx context.Context, ref string) (*Record, error)
	GetByProviderSubscriptionID(ctx context.Context, providerID string) (*Record, error)

	// ListOpen returns pending and active records for the pair.
	ListOpen(ctx context.Context, userID, productID string) ([]*Record, error)

	// ListPending returns pending records, most recently created first.
	ListPending(ctx context.Context, q PendingQuery) ([]*Record, error)

	// ListStale returns active and paused records with a provider subscription ID
	// whose latest of LastSyncAt and CheckedAt is before q.Before, least recently
	// seen first.
	ListStale(ctx context.Context, q StaleQuery) ([]*Record, error)

	// Update writes rec if its Version still matches the stored one and bumps
	// Version on success. Returns ErrStorageConflict otherwise.
	Update(ctx context.Context, rec *Record) error

	// MarkChecked sets CheckedAt without touching Version.
	MarkChecked(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ReplayQuery selects webhook events worth processing again.
type ReplayQuery struct {
	Since       time.Time // ignore events received before this
	StuckBefore time.Time // received events older than this are considered abandoned
	MaxAttempts int
	Limit       int
}

// Replayable reports whether ev matches the query.
func (q ReplayQuery) Replayable(ev *WebhookEvent) bool {
	if !q.Since.IsZero() && ev.ReceivedAt.Before(q.Since) {
		return false
	}
	if q.MaxAttempts > 0 && ev.Attempts >= q.MaxAttempts {
		return false
	}
	switch ev.Status {
	case EventFailed:
		return true
	case EventReceived:
		return !q.StuckBefore.IsZero() && ev.ReceivedAt.Before(q.StuckBefore)
	default:
		return false
	}
}
