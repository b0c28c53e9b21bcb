package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/subscription"
)

// Type names a downstream event. It doubles as the AMQP routing key.
type Type string

const (
	TypeActivated Type = "subscription.activated"
	TypeCancelled Type = "subscription.cancelled"
)

// Event is what downstream systems learn about a subscription change.
type Event struct {
	Type              Type      `json:"type"`
	SubscriptionID    uuid.UUID `json:"subscription_id"`
	UserID            string    `json:"user_id"`
	ProductID         string    `json:"product_id"`
	ExternalReference string    `json:"external_reference"`
	CustomerEmail     string    `json:"customer_email,omitempty"`
	Status            string    `json:"status"`
	Reason            string    `json:"reason,omitempty"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// NewEvent snapshots rec for the given event type.
func NewEvent(t Type, rec *subscription.Record, at time.Time) Event {
	return Event{
		Type:              t,
		SubscriptionID:    rec.ID,
		UserID:            rec.UserID,
		ProductID:         rec.ProductID,
		ExternalReference: rec.ExternalReference,
		CustomerEmail:     rec.CustomerEmail,
		Status:            string(rec.Status),
		Reason:            rec.CancelReason,
		Amount:            rec.Amount,
		Currency:          rec.Currency,
		OccurredAt:        at.UTC(),
	}
}

func (e Event) Validate() error {
	switch {
	case e.Type != TypeActivated && e.Type != TypeCancelled:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	case e.SubscriptionID == uuid.Nil:
		return fmt.Errorf("%w: subscription id is required", ErrInvalidEvent)
	}
	return nil
}

// Notifier delivers subscription events to a downstream system.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Noop discards every event.
type Noop struct{}

func (Noop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
func Multi(notifiers ...Notifier) Notifier {
	list := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			list = append(list, n)
		}
	}
	return multi(list)
}

type multi []Notifier

func (m multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
