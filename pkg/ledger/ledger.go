package ledger

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

// Store persists payment events together with the subscription they update.
type Store interface {
	// RecordPayment inserts ev and, atomically, loads the owning subscription,
	// runs apply on it and writes it back. When a payment with the same provider
	// ID already exists it is returned with created=false and apply is not run.
	RecordPayment(ctx context.Context, ev *subscription.PaymentEvent, apply func(*subscription.Record) error) (*subscription.PaymentEvent, bool, error)
	GetPayment(ctx context.Context, providerPaymentID string) (*subscription.PaymentEvent, error)
	ListPayments(ctx context.Context, subscriptionID uuid.UUID) ([]*subscription.PaymentEvent, error)
}

// Payment is a settled provider charge to be recorded.
type Payment struct {
	SubscriptionID    uuid.UUID
	ProviderPaymentID string
	Amount            int64 // minor units
	Currency          string
	Status            string // provider payment status
	PaidAt            time.Time
}

// Receipt describes what RecordPayment did.
type Receipt struct {
	Event    *subscription.PaymentEvent
	Created  bool                  // false when the payment was already recorded
	Decision subscription.Decision // zero unless Created
	Record   *subscription.Record  // subscription after the update, nil unless Created
}

// Ledger records provider charges and keeps the subscription billing counters in step.
type Ledger struct {
	store   Store
	machine *subscription.StateMachine
	logger  *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// New returns a ledger that records payments in store and moves
// subscriptions through machine.
func New(store Store, machine *subscription.StateMachine, opts ...Option) *Ledger {
	if machine == nil {
		machine = subscription.NewStateMachine()
	}
	l := &Ledger{store: store, machine: machine, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(logger.Component("ledger"))
	return l
}

// RecordPayment stores p once. On first recording it bumps the payment counters,
// moves last/next billing dates forward and offers the payment to the state
// machine, which activates the subscription unless it is terminal or the
// payment is stale. Replays of the same provider payment ID change nothing.
func (l *Ledger) RecordPayment(ctx context.Context, p Payment) (Receipt, error) {
	if strings.TrimSpace(p.ProviderPaymentID) == "" {
		return Receipt{}, ErrMissingPaymentID
	}
	if p.SubscriptionID == uuid.Nil {
		return Receipt{}, ErrMissingSubscription
	}
	if !subscription.SettledPayment(p.Status) {
		return Receipt{}, ErrPaymentNotSettled
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now().UTC()
	}

	ev := &subscription.PaymentEvent{
		ID:                uuid.New(),
		ProviderPaymentID: p.ProviderPaymentID,
		SubscriptionID:    p.SubscriptionID,
		Amount:            p.Amount,
		Currency:          strings.ToUpper(p.Currency),
		Status:            strings.ToLower(p.Status),
		PaidAt:            p.PaidAt,
	}

	var (
		decision subscription.Decision
		updated  *subscription.Record
	)
	stored, created, err := l.store.RecordPayment(ctx, ev, func(rec *subscription.Record) error {
		if rec.Currency != "" && ev.Currency != "" && rec.Currency != ev.Currency {
			l.logger.WarnContext(ctx, "payment currency differs from subscription",
				logger.SubscriptionID(rec.ID),
				logger.PaymentID(ev.ProviderPaymentID),
				slog.String("subscription_currency", rec.Currency),
				slog.String("payment_currency", ev.Currency),
			)
		}

		rec.TotalPaymentsCount++
		rec.TotalAmountPaid += ev.Amount

		next, err := ComputeNextBillingDate(rec.Frequency, rec.FrequencyUnit, ev.PaidAt)
		if err == nil {
			ev.NextBillingDate = next
		}
		// Out-of-order deliveries must not move billing dates backwards.
		if rec.LastBillingDate == nil || ev.PaidAt.After(*rec.LastBillingDate) {
			paidAt := ev.PaidAt
			rec.LastBillingDate = &paidAt
			if err == nil {
				rec.NextBillingDate = &next
			}
		}

		d, err := l.machine.Apply(rec, subscription.Input{
			Kind:           subscription.KindPayment,
			ProviderStatus: ev.Status,
			At:             ev.PaidAt,
		})
		if err != nil {
			return err
		}
		subscription.Commit(rec, d)
		decision = d
		updated = rec
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	if !created {
		l.logger.DebugContext(ctx, "payment already recorded",
			logger.PaymentID(stored.ProviderPaymentID),
			logger.SubscriptionID(stored.SubscriptionID),
		)
		return Receipt{Event: stored}, nil
	}

	l.logger.InfoContext(ctx, "payment recorded",
		logger.PaymentID(stored.ProviderPaymentID),
		logger.SubscriptionID(stored.SubscriptionID),
		slog.Int64("amount", stored.Amount),
		slog.String("currency", stored.Currency),
		slog.String("decision", string(decision.Outcome)),
		slog.String("status", string(updated.Status)),
	)
	if decision.Outcome == subscription.Rejected {
		l.logger.InfoContext(ctx, "payment did not change subscription status",
			logger.SubscriptionID(stored.SubscriptionID),
			slog.String("reason", decision.Reason),
		)
	}

	return Receipt{Event: stored, Created: true, Decision: decision, Record: updated}, nil
}

// Payments lists the recorded charges of a subscription in payment order.
func (l *Ledger) Payments(ctx context.Context, subscriptionID uuid.UUID) ([]*subscription.PaymentEvent, error) {
	return l.store.ListPayments(ctx, subscriptionID)
}
