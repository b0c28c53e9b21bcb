package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dmitrymomot/billsync/pkg/ledger"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/matcher"
	"github.com/dmitrymomot/billsync/pkg/notify"
	"github.com/dmitrymomot/billsync/pkg/provider"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

// Provider is the part of the provider API reconciliation reads.
type Provider interface {
	FetchPayment(ctx context.Context, id string) provider.Result[provider.Payment]
	FetchSubscription(ctx context.Context, id string) provider.Result[provider.Subscription]
	SearchSubscriptions(ctx context.Context, criteria provider.SearchCriteria) provider.Result[[]provider.Subscription]
}

// Dispatcher hands notifications to the background delivery pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev notify.Event) error
}

// Applier turns provider observations into local subscription changes. The
// webhook path and the scheduler share it, so both run the same matching,
// state machine and side effects.
type Applier struct {
	provider Provider
	store    subscription.Store
	matcher  *matcher.Matcher
	ledger   *ledger.Ledger
	machine  *subscription.StateMachine
	resolver *subscription.DuplicateResolver
	notifier Dispatcher
	logger   *slog.Logger
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithResolver sets the duplicate resolver run after activations.
func WithResolver(r *subscription.DuplicateResolver) ApplierOption {
	return func(a *Applier) { a.resolver = r }
}

// WithDispatcher sets where lifecycle notifications are sent.
func WithDispatcher(d Dispatcher) ApplierOption {
	return func(a *Applier) { a.notifier = d }
}

// WithStateMachine replaces the default state machine.
func WithStateMachine(m *subscription.StateMachine) ApplierOption {
	return func(a *Applier) {
		if m != nil {
			a.machine = m
		}
	}
}

// WithApplierLogger sets the applier logger.
func WithApplierLogger(l *slog.Logger) ApplierOption {
	return func(a *Applier) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewApplier returns an Applier that syncs provider state into store.
func NewApplier(p Provider, store subscription.Store, m *matcher.Matcher, l *ledger.Ledger, opts ...ApplierOption) (*Applier, error) {
	if p == nil {
		return nil, ErrMissingProvider
	}
	if store == nil {
		return nil, ErrMissingStore
	}
	if m == nil || l == nil {
		return nil, ErrMissingCollaborator
	}
	a := &Applier{
		provider: p,
		store:    store,
		matcher:  m,
		ledger:   l,
		machine:  subscription.NewStateMachine(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(logger.Component("applier"))
	return a, nil
}

// Process applies one logged webhook event. Unknown event types are ignored.
func (a *Applier) Process(ctx context.Context, ev *subscription.WebhookEvent) error {
	switch strings.ToLower(ev.Type) {
	case "payment":
		return a.ApplyPayment(ctx, ev.ResourceID)
	case "subscription_preapproval", "preapproval", "subscription":
		return a.ApplySubscription(ctx, ev.ResourceID)
	default:
		a.logger.DebugContext(ctx, "event type not handled",
			slog.String("type", ev.Type),
			slog.String("resource_id", ev.ResourceID),
		)
		return nil
	}
}

// ApplyPayment fetches the payment, matches it to a subscription and records it
// in the ledger when settled.
func (a *Applier) ApplyPayment(ctx context.Context, paymentID string) error {
	res := a.provider.FetchPayment(ctx, paymentID)
	if !res.OK() {
		return lookupError("payment", paymentID, res.Outcome, res.Err)
	}
	p := res.Value

	match, err := a.matcher.Match(ctx, matcher.Event{
		PaymentID:              p.ID.String(),
		ProviderSubscriptionID: p.Metadata.PreapprovalID.String(),
		ExternalReference:      p.ExternalReference,
		PayerID:                p.Payer.ID.String(),
		PayerEmail:             p.Payer.Email,
		UserID:                 p.Metadata.UserID.String(),
		ProductID:              p.Metadata.ProductID.String(),
		At:                     p.PaidAt(),
	})
	if err != nil {
		return err
	}
	rec, err := matched(match)
	if err != nil {
		return fmt.Errorf("payment %s: %w", paymentID, err)
	}

	rec, err = a.link(ctx, rec, p.Metadata.PreapprovalID.String(), p.Payer.ID.String())
	if err != nil {
		return err
	}

	if !subscription.SettledPayment(p.Status) {
		a.logger.InfoContext(ctx, "payment not settled, nothing to record",
			logger.PaymentID(paymentID),
			logger.SubscriptionID(rec.ID),
			slog.String("status", p.Status),
			slog.String("status_detail", p.StatusDetail),
		)
		return nil
	}

	receipt, err := a.ledger.RecordPayment(ctx, ledger.Payment{
		SubscriptionID:    rec.ID,
		ProviderPaymentID: p.ID.String(),
		Amount:            p.AmountMinor(),
		Currency:          p.CurrencyID,
		Status:            p.Status,
		PaidAt:            p.PaidAt(),
	})
	if err != nil {
		return fmt.Errorf("record payment %s: %w", paymentID, err)
	}
	if receipt.Created {
		a.runEffects(ctx, receipt.Record, receipt.Decision)
	}
	return nil
}

// ApplySubscription fetches the provider subscription, matches it and syncs
// its status.
func (a *Applier) ApplySubscription(ctx context.Context, providerSubscriptionID string) error {
	res := a.provider.FetchSubscription(ctx, providerSubscriptionID)
	if !res.OK() {
		return lookupError("subscription", providerSubscriptionID, res.Outcome, res.Err)
	}
	ps := res.Value

	match, err := a.matcher.Match(ctx, EventFromSubscription(ps))
	if err != nil {
		return err
	}
	rec, err := matched(match)
	if err != nil {
		return fmt.Errorf("subscription %s: %w", providerSubscriptionID, err)
	}
	_, err = a.Sync(ctx, rec, ps)
	return err
}

// Sync applies the provider's view of a subscription to rec, learning the
// provider IDs on the way. A concurrent update is retried once on fresh data.
func (a *Applier) Sync(ctx context.Context, rec *subscription.Record, ps provider.Subscription) (subscription.Decision, error) {
	for try := 0; ; try++ {
		d, err := a.machine.Apply(rec, subscription.Input{
			Kind:           subscription.KindSubscription,
			ProviderStatus: ps.Status,
			At:             ps.UpdatedAt(),
			Reason:         cancelReason(ps),
		})
		if err != nil {
			a.logger.ErrorContext(ctx, "provider subscription status not understood",
				logger.SubscriptionID(rec.ID),
				slog.String("provider_status", ps.Status),
				logger.Error(err),
			)
			return d, err
		}

		next := rec.Clone()
		linked := learnIDs(next, ps.ID.String(), ps.PayerID.String())
		if ps.NextPaymentDate != nil && next.NextBillingDate == nil {
			t := *ps.NextPaymentDate
			next.NextBillingDate = &t
			linked = true
		}
		subscription.Commit(next, d)

		if !linked && !d.Changed() && next.LastSyncAt.Equal(rec.LastSyncAt) {
			a.logDecision(ctx, rec, d)
			return d, nil
		}

		err = a.store.Update(ctx, next)
		if errors.Is(err, subscription.ErrStorageConflict) && try == 0 {
			fresh, gerr := a.store.Get(ctx, rec.ID)
			if gerr != nil {
				return d, gerr
			}
			rec = fresh
			continue
		}
		if err != nil {
			return d, fmt.Errorf("update subscription %s: %w", rec.ID, err)
		}

		a.logDecision(ctx, next, d)
		if d.Changed() {
			a.runEffects(ctx, next, d)
		}
		return d, nil
	}
}

// link stores provider identifiers learned from a matched event.
func (a *Applier) link(ctx context.Context, rec *subscription.Record, providerSubscriptionID, payerID string) (*subscription.Record, error) {
	for try := 0; ; try++ {
		next := rec.Clone()
		if !learnIDs(next, providerSubscriptionID, payerID) {
			return rec, nil
		}
		err := a.store.Update(ctx, next)
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, subscription.ErrStorageConflict) && try == 0:
			fresh, gerr := a.store.Get(ctx, rec.ID)
			if gerr != nil {
				return nil, gerr
			}
			rec = fresh
		case errors.Is(err, subscription.ErrSubscriptionAlreadyExists):
			a.logger.WarnContext(ctx, "provider subscription id already linked elsewhere",
				logger.SubscriptionID(rec.ID),
				slog.String("provider_subscription_id", providerSubscriptionID),
			)
			return rec, nil
		default:
			return nil, fmt.Errorf("link subscription %s: %w", rec.ID, err)
		}
	}
}

func (a *Applier) runEffects(ctx context.Context, rec *subscription.Record, d subscription.Decision) {
	if rec == nil {
		return
	}
	if d.Has(subscription.EffectCancelDuplicates) && a.resolver != nil {
		if _, err := a.resolver.Resolve(ctx, rec.UserID, rec.ProductID); err != nil {
			a.logger.ErrorContext(ctx, "duplicate resolution failed",
				logger.SubscriptionID(rec.ID),
				logger.Error(err),
			)
		}
	}
	if a.notifier == nil {
		return
	}
	var t notify.Type
	switch {
	case d.Has(subscription.EffectNotifyActivated):
		t = notify.TypeActivated
	case d.Has(subscription.EffectNotifyCancelled):
		t = notify.TypeCancelled
	default:
		return
	}
	if err := a.notifier.Dispatch(ctx, notify.NewEvent(t, rec, d.At)); err != nil {
		a.logger.WarnContext(ctx, "notification not queued",
			logger.SubscriptionID(rec.ID),
			slog.String("type", string(t)),
			logger.Error(err),
		)
	}
}

func (a *Applier) logDecision(ctx context.Context, rec *subscription.Record, d subscription.Decision) {
	attrs := []any{
		logger.SubscriptionID(rec.ID),
		slog.String("from", string(d.From)),
		slog.String("to", string(d.To)),
		slog.String("outcome", string(d.Outcome)),
	}
	switch d.Outcome {
	case subscription.Transitioned:
		a.logger.InfoContext(ctx, "subscription status changed", attrs...)
	case subscription.Rejected:
		a.logger.InfoContext(ctx, "transition rejected", append(attrs, slog.String("reason", d.Reason))...)
	case subscription.Ignored:
		a.logger.DebugContext(ctx, "provider status ignored", append(attrs, slog.String("reason", d.Reason))...)
	}
}

// EventFromSubscription extracts the correlation data of a provider subscription.
// The recency window is anchored at creation, which is when checkout happened.
func EventFromSubscription(ps provider.Subscription) matcher.Event {
	at := ps.UpdatedAt()
	if ps.DateCreated != nil {
		at = *ps.DateCreated
	}
	return matcher.Event{
		ProviderSubscriptionID: ps.ID.String(),
		ExternalReference:      ps.ExternalReference,
		PayerID:                ps.PayerID.String(),
		PayerEmail:             ps.PayerEmail,
		At:                     at,
	}
}

func matched(res matcher.Result) (*subscription.Record, error) {
	switch res.Kind {
	case matcher.Matched:
		return res.Subscription, nil
	case matcher.Ambiguous:
		return nil, fmt.Errorf("%w: %d candidates", ErrAmbiguous, len(res.Candidates))
	default:
		return nil, ErrUnmatched
	}
}

// learnIDs fills identifiers the record does not know yet. It never overwrites.
func learnIDs(rec *subscription.Record, providerSubscriptionID, payerID string) bool {
	changed := false
	if rec.ProviderSubscriptionID == "" && providerSubscriptionID != "" {
		rec.ProviderSubscriptionID = providerSubscriptionID
		changed = true
	}
	if rec.ProviderPayerID == "" && payerID != "" {
		rec.ProviderPayerID = payerID
		changed = true
	}
	return changed
}

func cancelReason(ps provider.Subscription) string {
	if ps.Status == provider.SubscriptionCancelled || ps.Status == "canceled" || ps.Status == "expired" {
		return "provider reported " + ps.Status
	}
	return ""
}

func lookupError(kind, id string, outcome provider.Outcome, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s %s: %s", ErrProviderLookup, kind, id, outcome)
	}
	return fmt.Errorf("%w: %s %s: %s: %w", ErrProviderLookup, kind, id, outcome, err)
}
