package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billsync/pkg/pg"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

// Postgres implements every store on a pgx connection pool. Unique constraints
// in the schema arbitrate concurrent writers across processes.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a store backed by pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return pg.Healthcheck(p.pool)(ctx)
}

const subscriptionColumns = `id, user_id, product_id, external_reference,
	coalesce(provider_subscription_id, ''), coalesce(provider_payer_id, ''), customer_email,
	status, last_sync_at, activated_at, cancelled_at, cancel_reason,
	frequency, frequency_unit, amount, currency, next_billing_date, last_billing_date,
	total_payments_count, total_amount_paid, checked_at, version, created_at, updated_at`

func scanRecord(row pgx.Row) (*subscription.Record, error) {
	var (
		r         subscription.Record
		lastSync  *time.Time
		checkedAt *time.Time
	)
	err := row.Scan(
		&r.ID, &r.UserID, &r.ProductID, &r.ExternalReference,
		&r.ProviderSubscriptionID, &r.ProviderPayerID, &r.CustomerEmail,
		&r.Status, &lastSync, &r.ActivatedAt, &r.CancelledAt, &r.CancelReason,
		&r.Frequency, &r.FrequencyUnit, &r.Amount, &r.Currency, &r.NextBillingDate, &r.LastBillingDate,
		&r.TotalPaymentsCount, &r.TotalAmountPaid, &checkedAt, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, subscription.ErrSubscriptionNotFound
		}
		return nil, err
	}
	if lastSync != nil {
		r.LastSyncAt = *lastSync
	}
	if checkedAt != nil {
		r.CheckedAt = *checkedAt
	}
	return &r, nil
}

func collectRecords(rows pgx.Rows) ([]*subscription.Record, error) {
	defer rows.Close()
	var out []*subscription.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *Postgres) Create(ctx context.Context, rec *subscription.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.Version = 1

	_, err := p.pool.Exec(ctx, `
		INSERT INTO subscriptions (
			id, user_id, product_id, external_reference, provider_subscription_id, provider_payer_id,
			customer_email, status, last_sync_at, activated_at, cancelled_at, cancel_reason,
			frequency, frequency_unit, amount, currency, next_billing_date, last_billing_date,
			total_payments_count, total_amount_paid, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		rec.ID, rec.UserID, rec.ProductID, rec.ExternalReference, nullString(rec.ProviderSubscriptionID), nullString(rec.ProviderPayerID),
		rec.CustomerEmail, rec.Status, nullTime(rec.LastSyncAt), rec.ActivatedAt, rec.CancelledAt, rec.CancelReason,
		rec.Frequency, rec.FrequencyUnit, rec.Amount, rec.Currency, rec.NextBillingDate, rec.LastBillingDate,
		rec.TotalPaymentsCount, rec.TotalAmountPaid, rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if pg.IsDuplicateKeyError(err) {
		return errors.Join(subscription.ErrSubscriptionAlreadyExists, err)
	}
	return err
}

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*subscription.Record, error) {
	return scanRecord(p.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (p *Postgres) GetByExternalReference(ctx context.Context, ref string) (*subscription.Record, error) {
	return scanRecord(p.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_reference = $1`, ref))
}

func (p *Postgres) GetByProviderSubscriptionID(ctx context.Context, providerID string) (*subscription.Record, error) {
	return scanRecord(p.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`, providerID))
}

func (p *Postgres) ListOpen(ctx context.Context, userID, productID string) ([]*subscription.Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND product_id = $2 AND status IN ('pending', 'active')
		ORDER BY created_at DESC, id`, userID, productID)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (p *Postgres) ListPending(ctx context.Context, q subscription.PendingQuery) ([]*subscription.Record, error) {
	var (
		where = []string{"status = 'pending'"}
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.UserID != "" {
		add("user_id = $%d", q.UserID)
	}
	if q.ProductID != "" {
		add("product_id = $%d", q.ProductID)
	}
	if email := strings.ToLower(strings.TrimSpace(q.CustomerEmail)); email != "" {
		add("customer_email = $%d", email)
	}
	if !q.CreatedAfter.IsZero() {
		add("created_at >= $%d", q.CreatedAfter)
	}
	if !q.CreatedBefore.IsZero() {
		add("created_at <= $%d", q.CreatedBefore)
	}

	sql := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (p *Postgres) ListStale(ctx context.Context, q subscription.StaleQuery) ([]*subscription.Record, error) {
	const seen = `coalesce(greatest(last_sync_at, checked_at), created_at)`
	args := []any{nullTime(q.Before)}
	sql := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status IN ('active', 'paused') AND provider_subscription_id IS NOT NULL
		AND ($1::timestamptz IS NULL OR ` + seen + ` < $1)
		ORDER BY ` + seen + `, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += " LIMIT $2"
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (p *Postgres) MarkChecked(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE subscriptions SET checked_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrSubscriptionNotFound
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, rec *subscription.Record) error {
	return updateRecord(ctx, p.pool, rec)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// updateRecord is a compare-and-set on version. A missing row means someone else won.
func updateRecord(ctx context.Context, db rowQuerier, rec *subscription.Record) error {
	var updatedAt time.Time
	err := db.QueryRow(ctx, `
		UPDATE subscriptions SET
			provider_subscription_id = $3, provider_payer_id = $4, customer_email = $5,
			status = $6, last_sync_at = $7, activated_at = $8, cancelled_at = $9, cancel_reason = $10,
			frequency = $11, frequency_unit = $12, amount = $13, currency = $14,
			next_billing_date = $15, last_billing_date = $16,
			total_payments_count = $17, total_amount_paid = $18,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING updated_at`,
		rec.ID, rec.Version, nullString(rec.ProviderSubscriptionID), nullString(rec.ProviderPayerID), rec.CustomerEmail,
		rec.Status, nullTime(rec.LastSyncAt), rec.ActivatedAt, rec.CancelledAt, rec.CancelReason,
		rec.Frequency, rec.FrequencyUnit, rec.Amount, rec.Currency,
		rec.NextBillingDate, rec.LastBillingDate,
		rec.TotalPaymentsCount, rec.TotalAmountPaid,
	).Scan(&updatedAt)
	switch {
	case pg.IsNotFoundError(err):
		return subscription.ErrStorageConflict
	case pg.IsDuplicateKeyError(err):
		return errors.Join(subscription.ErrSubscriptionAlreadyExists, err)
	case err != nil:
		return err
	}
	rec.Version++
	rec.UpdatedAt = updatedAt
	return nil
}

// FindUserIDs returns the distinct users whose subscriptions carry the payer ID or email.
func (p *Postgres) FindUserIDs(ctx context.Context, providerPayerID, email string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT user_id FROM subscriptions
		WHERE ($1 <> '' AND provider_payer_id = $1) OR ($2 <> '' AND customer_email = $2)
		ORDER BY user_id`, providerPayerID, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
