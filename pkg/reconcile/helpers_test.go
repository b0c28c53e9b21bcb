package reconcile_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/ledger"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/matcher"
	"github.com/dmitrymomot/billsync/pkg/notify"
	"github.com/dmitrymomot/billsync/pkg/provider"
	"github.com/dmitrymomot/billsync/pkg/reconcile"
	"github.com/dmitrymomot/billsync/pkg/storage"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

var t0 = time.Date(2025, time.January, 10, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	v := t0.Add(d)
	return &v
}

type fakeProvider struct {
	mu            sync.Mutex
	payments      map[string]provider.Payment
	subscriptions map[string]provider.Subscription
	transient     map[string]bool // ids or search terms that fail transiently
	searches      []provider.SearchCriteria
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		payments:      make(map[string]provider.Payment),
		subscriptions: make(map[string]provider.Subscription),
		transient:     make(map[string]bool),
	}
}

func (p *fakeProvider) addPayment(pay provider.Payment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments[pay.ID.String()] = pay
}

func (p *fakeProvider) addSubscription(ps provider.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions[ps.ID.String()] = ps
}

func (p *fakeProvider) failTransiently(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transient[key] = true
}

func (p *fakeProvider) FetchPayment(_ context.Context, id string) provider.Result[provider.Payment] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transient[id] {
		return provider.Result[provider.Payment]{Outcome: provider.OutcomeTransient, StatusCode: 503, Err: provider.ErrProviderUnavailable}
	}
	pay, ok := p.payments[id]
	if !ok {
		return provider.Result[provider.Payment]{Outcome: provider.OutcomeNotFound, StatusCode: 404, Err: provider.ErrNotFound}
	}
	return provider.Result[provider.Payment]{Outcome: provider.OutcomeOK, Value: pay, StatusCode: 200, Attempts: 1}
}

func (p *fakeProvider) FetchSubscription(_ context.Context, id string) provider.Result[provider.Subscription] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transient[id] {
		return provider.Result[provider.Subscription]{Outcome: provider.OutcomeTransient, StatusCode: 503, Err: provider.ErrProviderUnavailable}
	}
	ps, ok := p.subscriptions[id]
	if !ok {
		return provider.Result[provider.Subscription]{Outcome: provider.OutcomeNotFound, StatusCode: 404, Err: provider.ErrNotFound}
	}
	return provider.Result[provider.Subscription]{Outcome: provider.OutcomeOK, Value: ps, StatusCode: 200, Attempts: 1}
}

func (p *fakeProvider) SearchSubscriptions(_ context.Context, c provider.SearchCriteria) provider.Result[[]provider.Subscription] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.searches = append(p.searches, c)
	if p.transient[c.ExternalReference] || p.transient[c.PayerEmail] {
		return provider.Result[[]provider.Subscription]{Outcome: provider.OutcomeTransient, StatusCode: 503, Err: provider.ErrProviderUnavailable}
	}
	var out []provider.Subscription
	for _, ps := range p.subscriptions {
		if c.ExternalReference != "" && ps.ExternalReference != c.ExternalReference {
			continue
		}
		if c.PayerEmail != "" && !strings.EqualFold(ps.PayerEmail, c.PayerEmail) {
			continue
		}
		out = append(out, ps)
	}
	return provider.Result[[]provider.Subscription]{Outcome: provider.OutcomeOK, Value: out, StatusCode: 200, Attempts: 1}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev notify.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

func (d *recordingDispatcher) types() []notify.Type {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]notify.Type, 0, len(d.events))
	for _, ev := range d.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	store    *storage.Memory
	provider *fakeProvider
	notes    *recordingDispatcher
	applier  *reconcile.Applier
}

func newHarness(t *testing.T, opts ...reconcile.ApplierOption) *harness {
	t.Helper()

	store := storage.NewMemory(storage.WithMemoryClock(func() time.Time { return t0.Add(time.Hour) }))
	machine := subscription.NewStateMachine()
	h := &harness{store: store, provider: newFakeProvider(), notes: &recordingDispatcher{}}

	m := matcher.New(store,
		matcher.WithMappings(store),
		matcher.WithUserResolver(store),
		matcher.WithLogger(logger.Discard()),
	)
	l := ledger.New(store, machine, ledger.WithLogger(logger.Discard()))
	resolver := subscription.NewDuplicateResolver(store, machine, subscription.WithResolverLogger(logger.Discard()))

	base := []reconcile.ApplierOption{
		reconcile.WithResolver(resolver),
		reconcile.WithDispatcher(h.notes),
		reconcile.WithStateMachine(machine),
		reconcile.WithApplierLogger(logger.Discard()),
	}
	a, err := reconcile.NewApplier(h.provider, store, m, l, append(base, opts...)...)
	require.NoError(t, err)
	h.applier = a
	return h
}

func (h *harness) seed(t *testing.T, ref string, created time.Time, mutate func(*subscription.Record)) *subscription.Record {
	t.Helper()
	rec := &subscription.Record{
		ID:                uuid.New(),
		UserID:            "u1",
		ProductID:         "p1",
		ExternalReference: ref,
		Status:            subscription.StatusPending,
		Frequency:         1,
		FrequencyUnit:     subscription.Months,
		Amount:            1000,
		Currency:          "USD",
		CreatedAt:         created,
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, h.store.Create(context.Background(), rec))
	return rec
}

func (h *harness) get(t *testing.T, id uuid.UUID) *subscription.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}
