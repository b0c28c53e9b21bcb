package storage

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/subscription"
)

// Memory is an in-process store. It enforces the same unique constraints as
// the PostgreSQL schema and is safe for concurrent use, which makes it suitable
// for tests and single-instance development runs.
type Memory struct {
	mu       sync.RWMutex
	records  map[uuid.UUID]*subscription.Record
	payments map[string]*subscription.PaymentEvent
	events   map[string]*subscription.WebhookEvent
	mappings map[string]*subscription.KnownPaymentMapping
	now      func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the clock used for created and updated timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records:  make(map[uuid.UUID]*subscription.Record),
		payments: make(map[string]*subscription.PaymentEvent),
		events:   make(map[string]*subscription.WebhookEvent),
		mappings: make(map[string]*subscription.KnownPaymentMapping),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscriptions

func (m *Memory) Create(_ context.Context, rec *subscription.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; ok {
		return subscription.ErrSubscriptionAlreadyExists
	}
	for _, r := range m.records {
		if r.ExternalReference == rec.ExternalReference {
			return subscription.ErrSubscriptionAlreadyExists
		}
		if rec.ProviderSubscriptionID != "" && r.ProviderSubscriptionID == rec.ProviderSubscriptionID {
			return subscription.ErrSubscriptionAlreadyExists
		}
	}

	c := rec.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	c.UpdatedAt = c.CreatedAt
	c.Version = 1
	m.records[c.ID] = c
	rec.Version = 1
	rec.CreatedAt = c.CreatedAt
	rec.UpdatedAt = c.UpdatedAt
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (*subscription.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) GetByExternalReference(_ context.Context, ref string) (*subscription.Record, error) {
	return m.findOne(func(r *subscription.Record) bool { return ref != "" && r.ExternalReference == ref })
}

func (m *Memory) GetByProviderSubscriptionID(_ context.Context, providerID string) (*subscription.Record, error) {
	return m.findOne(func(r *subscription.Record) bool {
		return providerID != "" && r.ProviderSubscriptionID == providerID
	})
}

func (m *Memory) findOne(match func(*subscription.Record) bool) (*subscription.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.records {
		if match(r) {
			return r.Clone(), nil
		}
	}
	return nil, subscription.ErrSubscriptionNotFound
}

func (m *Memory) ListOpen(_ context.Context, userID, productID string) ([]*subscription.Record, error) {
	return m.list(func(r *subscription.Record) bool {
		return r.UserID == userID && r.ProductID == productID && r.Status.Open()
	}, 0), nil
}

func (m *Memory) ListPending(_ context.Context, q subscription.PendingQuery) ([]*subscription.Record, error) {
	email := strings.ToLower(strings.TrimSpace(q.CustomerEmail))
	return m.list(func(r *subscription.Record) bool {
		switch {
		case r.Status != subscription.StatusPending:
			return false
		case q.UserID != "" && r.UserID != q.UserID:
			return false
		case q.ProductID != "" && r.ProductID != q.ProductID:
			return false
		case email != "" && r.CustomerEmail != email:
			return false
		case !q.CreatedAfter.IsZero() && r.CreatedAt.Before(q.CreatedAfter):
			return false
		case !q.CreatedBefore.IsZero() && r.CreatedAt.After(q.CreatedBefore):
			return false
		}
		return true
	}, q.Limit), nil
}

func (m *Memory) ListStale(_ context.Context, q subscription.StaleQuery) ([]*subscription.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*subscription.Record
	for _, r := range m.records {
		if r.ProviderSubscriptionID == "" || (r.Status != subscription.StatusActive && r.Status != subscription.StatusPaused) {
			continue
		}
		if !q.Before.IsZero() && !lastSeen(r).Before(q.Before) {
			continue
		}
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b *subscription.Record) int {
		if c := lastSeen(a).Compare(lastSeen(b)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// lastSeen is the later of LastSyncAt and CheckedAt, or CreatedAt when neither is set.
func lastSeen(r *subscription.Record) time.Time {
	t := r.LastSyncAt
	if r.CheckedAt.After(t) {
		t = r.CheckedAt
	}
	if t.IsZero() {
		return r.CreatedAt
	}
	return t
}

func (m *Memory) MarkChecked(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return subscription.ErrSubscriptionNotFound
	}
	r.CheckedAt = at
	return nil
}

// list returns matching records, newest first.
func (m *Memory) list(match func(*subscription.Record) bool, limit int) []*subscription.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*subscription.Record
	for _, r := range m.records {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *subscription.Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) Update(_ context.Context, rec *subscription.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(rec)
}

func (m *Memory) updateLocked(rec *subscription.Record) error {
	cur, ok := m.records[rec.ID]
	if !ok {
		return subscription.ErrSubscriptionNotFound
	}
	if cur.Version != rec.Version {
		return subscription.ErrStorageConflict
	}
	if rec.ProviderSubscriptionID != "" && rec.ProviderSubscriptionID != cur.ProviderSubscriptionID {
		for id, r := range m.records {
			if id != rec.ID && r.ProviderSubscriptionID == rec.ProviderSubscriptionID {
				return subscription.ErrSubscriptionAlreadyExists
			}
		}
	}

	rec.Version++
	rec.UpdatedAt = m.now()
	c := rec.Clone()
	c.CheckedAt = cur.CheckedAt
	m.records[rec.ID] = c
	return nil
}

// FindUserIDs returns the distinct users whose subscriptions carry the payer ID or email.
func (m *Memory) FindUserIDs(_ context.Context, providerPayerID, email string) ([]string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, r := range m.records {
		if (providerPayerID != "" && r.ProviderPayerID == providerPayerID) ||
			(email != "" && r.CustomerEmail == email) {
			seen[r.UserID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// Payments

// RecordPayment inserts ev and applies the owning subscription update atomically.
// An existing payment with the same provider ID is returned untouched.
func (m *Memory) RecordPayment(_ context.Context, ev *subscription.PaymentEvent, apply func(*subscription.Record) error) (*subscription.PaymentEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.payments[ev.ProviderPaymentID]; ok {
		c := *existing
		return &c, false, nil
	}

	cur, ok := m.records[ev.SubscriptionID]
	if !ok {
		return nil, false, subscription.ErrSubscriptionNotFound
	}
	rec := cur.Clone()
	if err := apply(rec); err != nil {
		return nil, false, err
	}
	if err := m.updateLocked(rec); err != nil {
		return nil, false, err
	}

	stored := *ev
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	m.payments[stored.ProviderPaymentID] = &stored
	out := stored
	return &out, true, nil
}

func (m *Memory) GetPayment(_ context.Context, providerPaymentID string) (*subscription.PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[providerPaymentID]
	if !ok {
		return nil, subscription.ErrPaymentNotFound
	}
	c := *p
	return &c, nil
}

func (m *Memory) ListPayments(_ context.Context, subscriptionID uuid.UUID) ([]*subscription.PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*subscription.PaymentEvent
	for _, p := range m.payments {
		if p.SubscriptionID == subscriptionID {
			c := *p
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *subscription.PaymentEvent) int { return a.PaidAt.Compare(b.PaidAt) })
	return out, nil
}

// Webhook event log

// Claim inserts the event. It returns false when the event ID was already logged.
func (m *Memory) Claim(_ context.Context, ev *subscription.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[ev.EventID]; ok {
		return false, nil
	}
	c := cloneEvent(ev)
	if c.Status == "" {
		c.Status = subscription.EventReceived
	}
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = m.now()
	}
	m.events[c.EventID] = c
	return true, nil
}

// Finish stores the processing outcome and counts the attempt.
func (m *Memory) Finish(_ context.Context, eventID string, status subscription.EventStatus, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[eventID]
	if !ok {
		return subscription.ErrEventNotFound
	}
	ev.Status = status
	ev.Error = errMsg
	ev.Attempts++
	ev.ProcessedAt = &at
	return nil
}

func (m *Memory) GetEvent(_ context.Context, eventID string) (*subscription.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[eventID]
	if !ok {
		return nil, subscription.ErrEventNotFound
	}
	return cloneEvent(ev), nil
}

// ListReplayable returns failed events and events stuck in received, oldest first.
func (m *Memory) ListReplayable(_ context.Context, q subscription.ReplayQuery) ([]*subscription.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*subscription.WebhookEvent
	for _, ev := range m.events {
		if q.Replayable(ev) {
			out = append(out, cloneEvent(ev))
		}
	}
	slices.SortFunc(out, func(a, b *subscription.WebhookEvent) int { return a.ReceivedAt.Compare(b.ReceivedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func cloneEvent(ev *subscription.WebhookEvent) *subscription.WebhookEvent {
	c := *ev
	c.Payload = slices.Clone(ev.Payload)
	if ev.ProcessedAt != nil {
		at := *ev.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

// Known payment mappings

func (m *Memory) AddMapping(_ context.Context, mp subscription.KnownPaymentMapping) error {
	if err := mp.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mappings[mp.ProviderPaymentID]; ok {
		return subscription.ErrMappingAlreadyExists
	}
	if _, ok := m.records[mp.SubscriptionID]; !ok {
		return subscription.ErrSubscriptionNotFound
	}
	if mp.CreatedAt.IsZero() {
		mp.CreatedAt = m.now()
	}
	m.mappings[mp.ProviderPaymentID] = &mp
	return nil
}

func (m *Memory) GetMapping(_ context.Context, providerPaymentID string) (*subscription.KnownPaymentMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mp, ok := m.mappings[providerPaymentID]
	if !ok {
		return nil, subscription.ErrMappingNotFound
	}
	c := *mp
	return &c, nil
}

func (m *Memory) ListMappings(_ context.Context) ([]subscription.KnownPaymentMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]subscription.KnownPaymentMapping, 0, len(m.mappings))
	for _, mp := range m.mappings {
		out = append(out, *mp)
	}
	slices.SortFunc(out, func(a, b subscription.KnownPaymentMapping) int {
		return cmp.Compare(a.ProviderPaymentID, b.ProviderPaymentID)
	})
	return out, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }
