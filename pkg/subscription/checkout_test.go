package subscription_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/storage"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

func validCheckout() subscription.CheckoutRequest {
	return subscription.CheckoutRequest{
		UserID:        "u1",
		ProductID:     "p1",
		CustomerEmail: " Buyer@Example.com",
		Frequency:     1,
		FrequencyUnit: "month",
		Amount:        1999,
		Currency:      "usd",
	}
}

func TestCheckout_Begin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := t0
	store := storage.NewMemory()
	c := subscription.NewCheckout(store,
		subscription.WithReuseWindow(30*time.Minute),
		subscription.WithCheckoutLogger(logger.Discard()),
		subscription.WithCheckoutClock(func() time.Time { return clock }),
	)

	rec, reused, err := c.Begin(ctx, validCheckout())
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, subscription.StatusPending, rec.Status)
	assert.True(t, subscription.IsExternalReference(rec.ExternalReference))
	assert.Equal(t, "buyer@example.com", rec.CustomerEmail)
	assert.Equal(t, subscription.Months, rec.FrequencyUnit)
	assert.Equal(t, "USD", rec.Currency)

	ref, err := subscription.ParseExternalReference(rec.ExternalReference)
	require.NoError(t, err)
	assert.Equal(t, "u1", ref.UserID)
	assert.Equal(t, "p1", ref.ProductID)

	again, reused, err := c.Begin(ctx, validCheckout())
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, rec.ID, again.ID)
}

func TestCheckout_Begin_RejectsWhenActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	active := seed(t, store, subscription.StatusActive, t0, nil)

	c := subscription.NewCheckout(store, subscription.WithCheckoutLogger(logger.Discard()))
	rec, _, err := c.Begin(ctx, validCheckout())
	assert.ErrorIs(t, err, subscription.ErrSubscriptionAlreadyExists)
	require.NotNil(t, rec)
	assert.Equal(t, active.ID, rec.ID)
}

func TestCheckout_Begin_StalePendingIsCancelled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	old := seed(t, store, subscription.StatusPending, t0.Add(-2*time.Hour), nil)

	c := subscription.NewCheckout(store,
		subscription.WithCheckoutLogger(logger.Discard()),
		subscription.WithCheckoutClock(func() time.Time { return t0 }),
	)
	rec, reused, err := c.Begin(ctx, validCheckout())
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, old.ID, rec.ID)

	abandoned, err := store.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCancelled, abandoned.Status)
	assert.Equal(t, "abandoned checkout", abandoned.CancelReason)

	open, err := store.ListOpen(ctx, "u1", "p1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, rec.ID, open[0].ID)
}

func TestCheckout_Begin_RetryAfterReuseWindowKeepsOneOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := t0
	store := storage.NewMemory()
	c := subscription.NewCheckout(store,
		subscription.WithReuseWindow(30*time.Minute),
		subscription.WithCheckoutLogger(logger.Discard()),
		subscription.WithCheckoutClock(func() time.Time { return clock }),
	)

	first, _, err := c.Begin(ctx, validCheckout())
	require.NoError(t, err)

	clock = clock.Add(31 * time.Minute)
	second, reused, err := c.Begin(ctx, validCheckout())
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, first.ID, second.ID)

	open, err := store.ListOpen(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

// collidingStore reports the external reference as taken for the first n inserts.
type collidingStore struct {
	*storage.Memory
	failures int
	calls    int
}

func (s *collidingStore) Create(ctx context.Context, rec *subscription.Record) error {
	s.calls++
	if s.calls <= s.failures {
		return fmt.Errorf("insert: %w", subscription.ErrSubscriptionAlreadyExists)
	}
	return s.Memory.Create(ctx, rec)
}

func TestCheckout_Begin_ReferenceCollision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failures int
		wantErr  error
	}{
		{name: "retried with a fresh reference", failures: 2},
		{name: "gives up after repeated collisions", failures: 10, wantErr: subscription.ErrReferenceCollision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := &collidingStore{Memory: storage.NewMemory(), failures: tt.failures}
			c := subscription.NewCheckout(store, subscription.WithCheckoutLogger(logger.Discard()))

			rec, _, err := c.Begin(context.Background(), validCheckout())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.NotErrorIs(t, err, subscription.ErrSubscriptionAlreadyExists)
				assert.Nil(t, rec)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, tt.failures+1, store.calls)
		})
	}
}

func TestCheckout_Begin_Validation(t *testing.T) {
	t.Parallel()

	c := subscription.NewCheckout(storage.NewMemory(), subscription.WithCheckoutLogger(logger.Discard()))

	tests := []struct {
		name   string
		mutate func(*subscription.CheckoutRequest)
	}{
		{name: "missing user", mutate: func(r *subscription.CheckoutRequest) { r.UserID = "" }},
		{name: "user with dash", mutate: func(r *subscription.CheckoutRequest) { r.UserID = "u-1" }},
		{name: "missing product", mutate: func(r *subscription.CheckoutRequest) { r.ProductID = "" }},
		{name: "zero frequency", mutate: func(r *subscription.CheckoutRequest) { r.Frequency = 0 }},
		{name: "bad unit", mutate: func(r *subscription.CheckoutRequest) { r.FrequencyUnit = "fortnight" }},
		{name: "negative amount", mutate: func(r *subscription.CheckoutRequest) { r.Amount = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := validCheckout()
			tt.mutate(&req)
			_, _, err := c.Begin(context.Background(), req)
			assert.ErrorIs(t, err, subscription.ErrInvalidCheckout)
		})
	}
}

func TestExternalReference(t *testing.T) {
	t.Parallel()

	ref, err := subscription.NewExternalReference("42", "pro_monthly")
	require.NoError(t, err)
	assert.Regexp(t, `^SUB-42-pro_monthly-[0-9a-f]{8}$`, ref)

	other, err := subscription.NewExternalReference("42", "pro_monthly")
	require.NoError(t, err)
	assert.NotEqual(t, ref, other)

	_, err = subscription.NewExternalReference("4-2", "p")
	assert.ErrorIs(t, err, subscription.ErrInvalidExternalReference)

	assert.True(t, subscription.IsExternalReference("SUB-u1-p1-abcd1234"))
	assert.False(t, subscription.IsExternalReference("SUB-u1-p1-abcd123"))
	assert.False(t, subscription.IsExternalReference("sub-u1-p1-abcd1234"))
	assert.False(t, subscription.IsExternalReference(""))

	_, err = subscription.ParseExternalReference("nope")
	assert.ErrorIs(t, err, subscription.ErrInvalidExternalReference)
}

func TestKnownPaymentMapping_Validate(t *testing.T) {
	t.Parallel()

	m := subscription.KnownPaymentMapping{ProviderPaymentID: "p", AddedBy: "ops", Reason: "manual"}
	assert.ErrorIs(t, m.Validate(), subscription.ErrMissingProvenance)
}
