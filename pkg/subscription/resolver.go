package subscription

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/logger"
)

// ProviderCancelFunc cancels a subscription on the provider side.
type ProviderCancelFunc func(ctx context.Context, providerSubscriptionID string) error

// DuplicateResolver enforces at most one open subscription per (user, product).
type DuplicateResolver struct {
	store   Store
	machine *StateMachine
	cancel  ProviderCancelFunc
	logger  *slog.Logger
	now     func() time.Time
}

// ResolverOption configures a DuplicateResolver.
type ResolverOption func(*DuplicateResolver)

// WithProviderCancel also cancels losers on the provider side so they stop charging.
func WithProviderCancel(fn ProviderCancelFunc) ResolverOption {
	return func(r *DuplicateResolver) { r.cancel = fn }
}

// WithResolverLogger sets the logger used for cancellation records.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *DuplicateResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithResolverClock overrides the clock used for cancellation timestamps.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *DuplicateResolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewDuplicateResolver returns a resolver that cancels surplus open subscriptions
// for a user and product through machine.
func NewDuplicateResolver(store Store, machine *StateMachine, opts ...ResolverOption) *DuplicateResolver {
	if store == nil {
		panic("subscription: Store is required")
	}
	if machine == nil {
		machine = NewStateMachine()
	}
	r := &DuplicateResolver{
		store:   store,
		machine: machine,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logger.Component("duplicate_resolver"))
	return r
}

// Resolve keeps the most authoritative open subscription for the pair and
// cancels the rest. Safe to call repeatedly; the sole open subscription is
// never cancelled.
func (r *DuplicateResolver) Resolve(ctx context.Context, userID, productID string) (uuid.UUID, error) {
	open, err := r.store.ListOpen(ctx, userID, productID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("list open subscriptions: %w", err)
	}
	if len(open) == 0 {
		return uuid.Nil, ErrSubscriptionNotFound
	}
	if len(open) == 1 {
		return open[0].ID, nil
	}

	RankAuthoritative(open)
	keep := open[0]

	var errs []error
	for _, rec := range open[1:] {
		if err := r.cancelDuplicate(ctx, rec, keep.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return keep.ID, err
	}
	return keep.ID, nil
}

func (r *DuplicateResolver) cancelDuplicate(ctx context.Context, rec *Record, keepID uuid.UUID) error {
	next, err := cancelOpen(ctx, r.store, r.machine, rec, "duplicate of "+keepID.String(), r.now())
	if err != nil {
		return fmt.Errorf("cancel duplicate %s: %w", rec.ID, err)
	}
	if next == nil {
		return nil
	}

	r.logger.InfoContext(ctx, "duplicate subscription cancelled",
		logger.SubscriptionID(rec.ID),
		slog.String("kept_subscription_id", keepID.String()),
		slog.String("user_id", rec.UserID),
		slog.String("product_id", rec.ProductID),
	)
	r.cancelAtProvider(ctx, next)
	return nil
}

// cancelOpen moves rec to cancelled through the state machine, re-reading once
// on a version conflict. It returns nil when the record is no longer open.
func cancelOpen(ctx context.Context, store Store, machine *StateMachine, rec *Record, reason string, at time.Time) (*Record, error) {
	for try := 0; try < 2; try++ {
		d, err := machine.Apply(rec, Input{
			Kind:           KindInternal,
			ProviderStatus: string(StatusCancelled),
			At:             at,
			Reason:         reason,
		})
		if err != nil {
			return nil, err
		}
		if !d.Changed() {
			return nil, nil
		}

		next := rec.Clone()
		Commit(next, d)
		err = store.Update(ctx, next)
		if errors.Is(err, ErrStorageConflict) && try == 0 {
			fresh, gerr := store.Get(ctx, rec.ID)
			if gerr != nil {
				return nil, gerr
			}
			if !fresh.Status.Open() {
				return nil, nil
			}
			rec = fresh
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, ErrStorageConflict
}

func (r *DuplicateResolver) cancelAtProvider(ctx context.Context, rec *Record) {
	if r.cancel == nil || rec.ProviderSubscriptionID == "" {
		return
	}
	if err := r.cancel(ctx, rec.ProviderSubscriptionID); err != nil {
		r.logger.WarnContext(ctx, "provider cancellation of duplicate failed",
			logger.SubscriptionID(rec.ID),
			slog.String("provider_subscription_id", rec.ProviderSubscriptionID),
			logger.Error(err),
		)
	}
}

// RankAuthoritative sorts records so the one to keep comes first: active over
// pending, then most recently paid, then most recently created.
func RankAuthoritative(recs []*Record) {
	slices.SortStableFunc(recs, func(a, b *Record) int {
		if c := cmp.Compare(statusRank(b.Status), statusRank(a.Status)); c != 0 {
			return c
		}
		if c := compareTimePtrDesc(a.LastBillingDate, b.LastBillingDate); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
}

func statusRank(s Status) int {
	switch s {
	case StatusActive:
		return 2
	case StatusPending:
		return 1
	default:
		return 0
	}
}

// compareTimePtrDesc orders later times first and nil last.
func compareTimePtrDesc(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return b.Compare(*a)
	}
}
