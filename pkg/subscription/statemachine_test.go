package subscription_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/subscription"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func recordWith(status subscription.Status, lastSync time.Time) *subscription.Record {
	return &subscription.Record{Status: status, LastSyncAt: lastSync}
}

func TestStateMachine_Apply(t *testing.T) {
	t.Parallel()

	m := subscription.NewStateMachine()

	tests := []struct {
		name        string
		rec         *subscription.Record
		in          subscription.Input
		wantOutcome subscription.Outcome
		wantTo      subscription.Status
		wantEffects []subscription.Effect
	}{
		{
			name:        "pending authorized activates",
			rec:         recordWith(subscription.StatusPending, time.Time{}),
			in:          subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "authorized", At: t0},
			wantOutcome: subscription.Transitioned,
			wantTo:      subscription.StatusActive,
			wantEffects: []subscription.Effect{subscription.EffectCancelDuplicates, subscription.EffectNotifyActivated},
		},
		{
			name:        "approved payment activates pending and records payment",
			rec:         recordWith(subscription.StatusPending, time.Time{}),
			in:          subscription.Input{Kind: subscription.KindPayment, ProviderStatus: "approved", At: t0},
			wantOutcome: subscription.Transitioned,
			wantTo:      subscription.StatusActive,
			wantEffects: []subscription.Effect{subscription.EffectRecordPayment, subscription.EffectCancelDuplicates, subscription.EffectNotifyActivated},
		},
		{
			name:        "approved payment on active reconfirms",
			rec:         recordWith(subscription.StatusActive, t0),
			in:          subscription.Input{Kind: subscription.KindPayment, ProviderStatus: "approved", At: t0.Add(time.Hour)},
			wantOutcome: subscription.Reconfirmed,
			wantTo:      subscription.StatusActive,
			wantEffects: []subscription.Effect{subscription.EffectRecordPayment},
		},
		{
			name:        "stale pending cannot regress active",
			rec:         recordWith(subscription.StatusActive, t0),
			in:          subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "pending", At: t0.Add(-time.Hour)},
			wantOutcome: subscription.Rejected,
			wantTo:      subscription.StatusPending,
		},
		{
			name:        "fresh pending still cannot regress active",
			rec:         recordWith(subscription.StatusActive, t0),
			in:          subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "pending", At: t0.Add(time.Hour)},
			wantOutcome: subscription.Rejected,
			wantTo:      subscription.StatusPending,
		},
		{
			name:        "stale event may reconfirm",
			rec:         recordWith(subscription.StatusActive, t0),
			in:          subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "authorized", At: t0.Add(-time.Hour)},
			wantOutcome: subscription.Reconfirmed,
			wantTo:      subscription.StatusActive,
		},
		{
			name:        "stale activation of pending is allowed",
			rec:         recordWith(subscription.StatusPending, t0),
			in:          subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "authorized", At: t0.Add(-time.Hour)},
			wantOutcome: subscription.Transitioned,
			wantTo:      subscription.StatusActive,
			wantEffects: []subscription.Effect{subscription.EffectCancelDuplicates, subscription.EffectNotifyActivated},
		},
		{
			name:        "stale cancel of active is rejected",
			rec:         recordWith(subscription.StatusActive, t0),
			in:          subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "cancelled", At: t0.Add(-time.Minute)},
			wantOutcome: subscription.Rejected,
			wantTo:      subscription.StatusCancelled,
		},
		{
			name:        "active pauses",
			rec:         recordWith(subscription.StatusActive, t0),
			in:          subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "paused", At: t0.Add(time.Minute)},
			wantOutcome: subscription.Transitioned,
			wantTo:      subscription.StatusPaused,
		},
		{
			name:        "paused resumes without activation effects",
			rec:         recordWith(subscription.StatusPaused, t0),
			in:          subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "authorized", At: t0.Add(time.Minute)},
			wantOutcome: subscription.Transitioned,
			wantTo:      subscription.StatusActive,
		},
		{
			name:        "pending paused is not an edge",
			rec:         recordWith(subscription.StatusPending, time.Time{}),
			in:          subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "paused", At: t0},
			wantOutcome: subscription.Rejected,
			wantTo:      subscription.StatusPaused,
		},
		{
			name:        "abandoned checkout cancels",
			rec:         recordWith(subscription.StatusPending, time.Time{}),
			in:          subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "cancelled", At: t0, Reason: "abandoned"},
			wantOutcome: subscription.Transitioned,
			wantTo:      subscription.StatusCancelled,
			wantEffects: []subscription.Effect{subscription.EffectNotifyCancelled},
		},
		{
			name:        "cancelled is terminal",
			rec:         recordWith(subscription.StatusCancelled, t0),
			in:          subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "authorized", At: t0.Add(time.Hour)},
			wantOutcome: subscription.Rejected,
			wantTo:      subscription.StatusActive,
		},
		{
			name:        "payment on cancelled is still recorded",
			rec:         recordWith(subscription.StatusCancelled, t0),
			in:          subscription.Input{Kind: subscription.KindPayment, ProviderStatus: "approved", At: t0.Add(time.Hour)},
			wantOutcome: subscription.Rejected,
			wantTo:      subscription.StatusActive,
			wantEffects: []subscription.Effect{subscription.EffectRecordPayment},
		},
		{
			name:        "rejected payment is ignored",
			rec:         recordWith(subscription.StatusPending, time.Time{}),
			in:          subscription.Input{Kind: subscription.KindPayment, ProviderStatus: "rejected", At: t0},
			wantOutcome: subscription.Ignored,
			wantTo:      subscription.StatusPending,
		},
		{
			name:        "unknown status is ignored in lenient mode",
			rec:         recordWith(subscription.StatusPending, time.Time{}),
			in:          subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "frozen", At: t0},
			wantOutcome: subscription.Ignored,
			wantTo:      subscription.StatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			before := *tt.rec
			d, err := m.Apply(tt.rec, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, d.Outcome)
			assert.Equal(t, before.Status, d.From)
			assert.Equal(t, tt.wantTo, d.To)
			assert.ElementsMatch(t, tt.wantEffects, d.Effects)
			assert.Equal(t, before, *tt.rec, "Apply must not mutate the record")

			if tt.wantOutcome == subscription.Rejected {
				assert.ErrorIs(t, d.Err(), subscription.ErrTransitionRejected)
			} else {
				assert.NoError(t, d.Err())
			}
		})
	}
}

func TestStateMachine_StrictStatuses(t *testing.T) {
	t.Parallel()

	m := subscription.NewStateMachine(subscription.WithStrictStatuses(true))
	d, err := m.Apply(recordWith(subscription.StatusPending, time.Time{}), subscription.Input{
		Kind:           subscription.KindPayment,
		ProviderStatus: "partially_refunded",
		At:             t0,
	})
	assert.ErrorIs(t, err, subscription.ErrUnknownProviderStatus)
	assert.Equal(t, subscription.Ignored, d.Outcome)
}

func TestStateMachine_ZeroTimestampUsesClock(t *testing.T) {
	t.Parallel()

	m := subscription.NewStateMachine(subscription.WithMachineClock(func() time.Time { return t0 }))
	d, err := m.Apply(recordWith(subscription.StatusPending, time.Time{}), subscription.Input{
		Kind:           subscription.KindSubscription,
		ProviderStatus: "authorized",
	})
	require.NoError(t, err)
	assert.Equal(t, t0, d.At)
}

func TestCommit(t *testing.T) {
	t.Parallel()

	m := subscription.NewStateMachine()

	t.Run("activation sets activated_at and last_sync_at", func(t *testing.T) {
		t.Parallel()
		rec := recordWith(subscription.StatusPending, time.Time{})
		d, err := m.Apply(rec, subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "authorized", At: t0})
		require.NoError(t, err)

		subscription.Commit(rec, d)
		assert.Equal(t, subscription.StatusActive, rec.Status)
		require.NotNil(t, rec.ActivatedAt)
		assert.Equal(t, t0, *rec.ActivatedAt)
		assert.Equal(t, t0, rec.LastSyncAt)
	})

	t.Run("stale activation does not move last_sync_at back", func(t *testing.T) {
		t.Parallel()
		rec := recordWith(subscription.StatusPending, t0)
		d, err := m.Apply(rec, subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "authorized", At: t0.Add(-time.Hour)})
		require.NoError(t, err)

		subscription.Commit(rec, d)
		assert.Equal(t, subscription.StatusActive, rec.Status)
		assert.Equal(t, t0, rec.LastSyncAt)
	})

	t.Run("cancellation records reason", func(t *testing.T) {
		t.Parallel()
		rec := recordWith(subscription.StatusActive, t0)
		d, err := m.Apply(rec, subscription.Input{Kind: subscription.KindInternal, ProviderStatus: "cancelled", At: t0.Add(time.Hour), Reason: "duplicate"})
		require.NoError(t, err)

		subscription.Commit(rec, d)
		assert.Equal(t, subscription.StatusCancelled, rec.Status)
		require.NotNil(t, rec.CancelledAt)
		assert.Equal(t, "duplicate", rec.CancelReason)
	})

	t.Run("rejected decision is a no-op", func(t *testing.T) {
		t.Parallel()
		rec := recordWith(subscription.StatusActive, t0)
		d, err := m.Apply(rec, subscription.Input{Kind: subscription.KindSubscription, ProviderStatus: "pending", At: t0.Add(-time.Hour)})
		require.NoError(t, err)

		before := *rec
		subscription.Commit(rec, d)
		assert.Equal(t, before, *rec)
	})
}

func TestMapStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind    subscription.Kind
		status  string
		want    subscription.Status
		wantErr bool
	}{
		{subscription.KindSubscription, "authorized", subscription.StatusActive, false},
		{subscription.KindSubscription, "AUTHORIZED", subscription.StatusActive, false},
		{subscription.KindSubscription, "pending", subscription.StatusPending, false},
		{subscription.KindSubscription, "paused", subscription.StatusPaused, false},
		{subscription.KindSubscription, "cancelled", subscription.StatusCancelled, false},
		{subscription.KindSubscription, "canceled", subscription.StatusCancelled, false},
		{subscription.KindSubscription, "whatever", subscription.StatusNone, true},
		{subscription.KindPayment, "approved", subscription.StatusActive, false},
		{subscription.KindPayment, "in_process", subscription.StatusNone, false},
		{subscription.KindPayment, "refunded", subscription.StatusNone, false},
		{subscription.KindPayment, "", subscription.StatusNone, true},
		{subscription.KindInternal, "cancelled", subscription.StatusCancelled, false},
		{subscription.Kind("bogus"), "active", subscription.StatusNone, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.status, func(t *testing.T) {
			t.Parallel()
			got, err := subscription.MapStatus(tt.kind, tt.status)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.ErrorIs(t, err, subscription.ErrUnknownProviderStatus)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.True(t, subscription.SettledPayment("approved"))
	assert.False(t, subscription.SettledPayment("pending"))
}
