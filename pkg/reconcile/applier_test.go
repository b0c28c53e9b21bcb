package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/notify"
	"github.com/dmitrymomot/billsync/pkg/provider"
	"github.com/dmitrymomot/billsync/pkg/reconcile"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

func approvedPayment(id, ref string, paid time.Duration) provider.Payment {
	return provider.Payment{
		ID:                provider.ID(id),
		Status:            provider.PaymentApproved,
		TransactionAmount: 10,
		CurrencyID:        "USD",
		DateCreated:       at(paid),
		DateApproved:      at(paid),
		ExternalReference: ref,
		Payer:             provider.Payer{ID: "payer_1", Email: "buyer@example.com"},
		Metadata:          provider.PaymentMetadata{PreapprovalID: "pre_1"},
	}
}

func TestApplier_ApplyPayment(t *testing.T) {
	t.Parallel()

	t.Run("activates the matched subscription and records the charge once", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		rec := h.seed(t, "SUB-u1-p1-abcd1234", t0, nil)
		h.provider.addPayment(approvedPayment("pay_1", "SUB-u1-p1-abcd1234", 5*time.Minute))

		require.NoError(t, h.applier.ApplyPayment(context.Background(), "pay_1"))

		got := h.get(t, rec.ID)
		assert.Equal(t, subscription.StatusActive, got.Status)
		assert.Equal(t, "pre_1", got.ProviderSubscriptionID)
		assert.Equal(t, "payer_1", got.ProviderPayerID)
		assert.Equal(t, 1, got.TotalPaymentsCount)
		assert.Equal(t, int64(1000), got.TotalAmountPaid)
		require.NotNil(t, got.NextBillingDate)
		assert.Equal(t, t0.AddDate(0, 1, 0).Add(5*time.Minute), *got.NextBillingDate)
		assert.Equal(t, []notify.Type{notify.TypeActivated}, h.notes.types())

		// Redelivery changes nothing.
		require.NoError(t, h.applier.ApplyPayment(context.Background(), "pay_1"))
		again := h.get(t, rec.ID)
		assert.Equal(t, 1, again.TotalPaymentsCount)
		assert.Equal(t, got.Version, again.Version)
		assert.Len(t, h.notes.types(), 1)
	})

	t.Run("missing correlation data leaves storage untouched", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		rec := h.seed(t, "SUB-u1-p1-abcd1234", t0, nil)
		h.provider.addPayment(provider.Payment{
			ID:           "pay_2",
			Status:       provider.PaymentApproved,
			DateApproved: at(5 * time.Minute),
		})

		err := h.applier.ApplyPayment(context.Background(), "pay_2")
		require.ErrorIs(t, err, reconcile.ErrUnmatched)

		got := h.get(t, rec.ID)
		assert.Equal(t, subscription.StatusPending, got.Status)
		assert.Equal(t, rec.Version, got.Version)
		assert.Empty(t, h.notes.types())
	})

	t.Run("several recent candidates are ambiguous", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		a := h.seed(t, "SUB-u1-p1-aaaa1111", t0, nil)
		b := h.seed(t, "SUB-u1-p1-bbbb2222", t0.Add(time.Minute), nil)
		pay := approvedPayment("pay_3", "", 5*time.Minute)
		pay.Metadata = provider.PaymentMetadata{UserID: "u1", ProductID: "p1"}
		h.provider.addPayment(pay)

		err := h.applier.ApplyPayment(context.Background(), "pay_3")
		require.ErrorIs(t, err, reconcile.ErrAmbiguous)
		assert.Equal(t, subscription.StatusPending, h.get(t, a.ID).Status)
		assert.Equal(t, subscription.StatusPending, h.get(t, b.ID).Status)
	})

	t.Run("unsettled payment links but does not activate", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		rec := h.seed(t, "SUB-u1-p1-abcd1234", t0, nil)
		pay := approvedPayment("pay_4", "SUB-u1-p1-abcd1234", 5*time.Minute)
		pay.Status = provider.PaymentPending
		h.provider.addPayment(pay)

		require.NoError(t, h.applier.ApplyPayment(context.Background(), "pay_4"))

		got := h.get(t, rec.ID)
		assert.Equal(t, subscription.StatusPending, got.Status)
		assert.Equal(t, "pre_1", got.ProviderSubscriptionID)
		assert.Zero(t, got.TotalPaymentsCount)
	})

	t.Run("provider failure is a lookup error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.provider.failTransiently("pay_5")

		err := h.applier.ApplyPayment(context.Background(), "pay_5")
		require.ErrorIs(t, err, reconcile.ErrProviderLookup)
		require.ErrorIs(t, err, provider.ErrProviderUnavailable)
	})

	t.Run("activation cancels other pending records of the pair", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		keep := h.seed(t, "SUB-u1-p1-aaaa1111", t0, nil)
		dup := h.seed(t, "SUB-u1-p1-bbbb2222", t0.Add(time.Minute), nil)
		h.provider.addPayment(approvedPayment("pay_6", keep.ExternalReference, 5*time.Minute))

		require.NoError(t, h.applier.ApplyPayment(context.Background(), "pay_6"))

		assert.Equal(t, subscription.StatusActive, h.get(t, keep.ID).Status)
		cancelled := h.get(t, dup.ID)
		assert.Equal(t, subscription.StatusCancelled, cancelled.Status)
		assert.Equal(t, "duplicate of "+keep.ID.String(), cancelled.CancelReason)
	})
}

func TestApplier_ApplySubscription(t *testing.T) {
	t.Parallel()

	t.Run("authorized then cancelled", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		rec := h.seed(t, "SUB-u1-p1-abcd1234", t0, nil)
		h.provider.addSubscription(provider.Subscription{
			ID:                "pre_9",
			Status:            provider.SubscriptionAuthorized,
			ExternalReference: rec.ExternalReference,
			PayerID:           "payer_9",
			DateCreated:       at(2 * time.Minute),
			LastModified:      at(3 * time.Minute),
			NextPaymentDate:   at(31 * 24 * time.Hour),
		})

		require.NoError(t, h.applier.ApplySubscription(context.Background(), "pre_9"))

		got := h.get(t, rec.ID)
		assert.Equal(t, subscription.StatusActive, got.Status)
		assert.Equal(t, "pre_9", got.ProviderSubscriptionID)
		assert.Equal(t, "payer_9", got.ProviderPayerID)
		require.NotNil(t, got.NextBillingDate)
		assert.Equal(t, *at(31 * 24 * time.Hour), *got.NextBillingDate)

		h.provider.addSubscription(provider.Subscription{
			ID:                "pre_9",
			Status:            provider.SubscriptionCancelled,
			ExternalReference: rec.ExternalReference,
			DateCreated:       at(2 * time.Minute),
			LastModified:      at(48 * time.Hour),
		})
		require.NoError(t, h.applier.ApplySubscription(context.Background(), "pre_9"))

		got = h.get(t, rec.ID)
		assert.Equal(t, subscription.StatusCancelled, got.Status)
		assert.Equal(t, "provider reported cancelled", got.CancelReason)
		assert.Equal(t, []notify.Type{notify.TypeActivated, notify.TypeCancelled}, h.notes.types())
	})

	t.Run("stale pause is rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		rec := h.seed(t, "SUB-u1-p1-abcd1234", t0, func(r *subscription.Record) {
			r.Status = subscription.StatusActive
			r.ProviderSubscriptionID = "pre_7"
			r.LastSyncAt = t0.Add(time.Hour)
		})
		h.provider.addSubscription(provider.Subscription{
			ID:           "pre_7",
			Status:       provider.SubscriptionPaused,
			DateCreated:  at(0),
			LastModified: at(30 * time.Minute),
		})

		require.NoError(t, h.applier.ApplySubscription(context.Background(), "pre_7"))
		got := h.get(t, rec.ID)
		assert.Equal(t, subscription.StatusActive, got.Status)
		assert.Equal(t, rec.Version, got.Version)
	})

	t.Run("strict mode fails on unknown status", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, reconcile.WithStateMachine(subscription.NewStateMachine(subscription.WithStrictStatuses(true))))
		rec := h.seed(t, "SUB-u1-p1-abcd1234", t0, func(r *subscription.Record) {
			r.ProviderSubscriptionID = "pre_8"
		})
		h.provider.addSubscription(provider.Subscription{ID: "pre_8", Status: "frozen", DateCreated: at(time.Minute)})

		err := h.applier.ApplySubscription(context.Background(), "pre_8")
		require.ErrorIs(t, err, subscription.ErrUnknownProviderStatus)
		assert.Equal(t, rec.Version, h.get(t, rec.ID).Version)
	})

	t.Run("unknown provider subscription is unmatched", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.provider.addSubscription(provider.Subscription{ID: "pre_x", Status: provider.SubscriptionAuthorized})

		err := h.applier.ApplySubscription(context.Background(), "pre_x")
		require.ErrorIs(t, err, reconcile.ErrUnmatched)
	})
}

func TestApplier_Process(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.seed(t, "SUB-u1-p1-abcd1234", t0, nil)
	h.provider.addPayment(approvedPayment("pay_1", rec.ExternalReference, 5*time.Minute))

	tests := []struct {
		name string
		ev   subscription.WebhookEvent
		err  error
	}{
		{name: "unknown type is ignored", ev: subscription.WebhookEvent{Type: "merchant_order", ResourceID: "1"}},
		{name: "payment", ev: subscription.WebhookEvent{Type: "payment", ResourceID: "pay_1"}},
		{name: "preapproval not found", ev: subscription.WebhookEvent{Type: "subscription_preapproval", ResourceID: "missing"}, err: reconcile.ErrProviderLookup},
	}
	for _, tt := range tests {
		err := h.applier.Process(context.Background(), &tt.ev)
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err, tt.name)
			continue
		}
		assert.NoError(t, err, tt.name)
	}
	assert.Equal(t, subscription.StatusActive, h.get(t, rec.ID).Status)
}

func TestNewApplier_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := reconcile.NewApplier(nil, h.store, nil, nil)
	assert.ErrorIs(t, err, reconcile.ErrMissingProvider)
	_, err = reconcile.NewApplier(h.provider, nil, nil, nil)
	assert.ErrorIs(t, err, reconcile.ErrMissingStore)
	_, err = reconcile.NewApplier(h.provider, h.store, nil, nil)
	assert.ErrorIs(t, err, reconcile.ErrMissingCollaborator)
}
