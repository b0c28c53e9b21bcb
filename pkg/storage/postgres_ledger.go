package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billsync/pkg/pg"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

const paymentColumns = `id, provider_payment_id, subscription_id, amount, currency, status, paid_at, next_billing_date, created_at`

func scanPayment(row pgx.Row) (*subscription.PaymentEvent, error) {
	var (
		ev   subscription.PaymentEvent
		next *time.Time
	)
	err := row.Scan(&ev.ID, &ev.ProviderPaymentID, &ev.SubscriptionID, &ev.Amount, &ev.Currency,
		&ev.Status, &ev.PaidAt, &next, &ev.CreatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, subscription.ErrPaymentNotFound
		}
		return nil, err
	}
	if next != nil {
		ev.NextBillingDate = *next
	}
	return &ev, nil
}

// RecordPayment inserts ev and applies the owning subscription update in one
// transaction. The subscription row is locked first so concurrent payments for
// the same subscription serialize; the unique provider_payment_id constraint
// makes a replay return the stored event without touching the subscription.
func (p *Postgres) RecordPayment(ctx context.Context, ev *subscription.PaymentEvent, apply func(*subscription.Record) error) (*subscription.PaymentEvent, bool, error) {
	if existing, err := p.GetPayment(ctx, ev.ProviderPaymentID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, subscription.ErrPaymentNotFound) {
		return nil, false, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin payment tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, ev.SubscriptionID))
	if err != nil {
		return nil, false, err
	}

	if err := apply(rec); err != nil {
		return nil, false, err
	}

	stored := *ev
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO payment_events (id, provider_payment_id, subscription_id, amount, currency, status, paid_at, next_billing_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_payment_id) DO NOTHING`,
		stored.ID, stored.ProviderPaymentID, stored.SubscriptionID, stored.Amount, stored.Currency,
		stored.Status, stored.PaidAt, nullTime(stored.NextBillingDate))
	if err != nil {
		return nil, false, fmt.Errorf("insert payment event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to a concurrent writer of the same payment.
		_ = tx.Rollback(ctx)
		existing, err := p.GetPayment(ctx, ev.ProviderPaymentID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := updateRecord(ctx, tx, rec); err != nil {
		return nil, false, err
	}

	if err := tx.QueryRow(ctx, `SELECT created_at FROM payment_events WHERE id = $1`, stored.ID).Scan(&stored.CreatedAt); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit payment tx: %w", err)
	}
	return &stored, true, nil
}

func (p *Postgres) GetPayment(ctx context.Context, providerPaymentID string) (*subscription.PaymentEvent, error) {
	return scanPayment(p.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_events WHERE provider_payment_id = $1`, providerPaymentID))
}

func (p *Postgres) ListPayments(ctx context.Context, subscriptionID uuid.UUID) ([]*subscription.PaymentEvent, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payment_events WHERE subscription_id = $1 ORDER BY paid_at`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*subscription.PaymentEvent
	for rows.Next() {
		ev, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
