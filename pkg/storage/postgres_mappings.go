package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billsync/pkg/pg"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

func (p *Postgres) AddMapping(ctx context.Context, m subscription.KnownPaymentMapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO known_payment_mappings (provider_payment_id, subscription_id, added_by, reason, created_at)
		VALUES ($1, $2, $3, $4, coalesce($5, now()))`,
		m.ProviderPaymentID, m.SubscriptionID, m.AddedBy, m.Reason, nullTime(m.CreatedAt))
	switch {
	case pg.IsDuplicateKeyError(err):
		return errors.Join(subscription.ErrMappingAlreadyExists, err)
	case pg.ConstraintName(err) == "known_payment_mappings_subscription_id_fkey":
		return errors.Join(subscription.ErrSubscriptionNotFound, err)
	}
	return err
}

func (p *Postgres) GetMapping(ctx context.Context, providerPaymentID string) (*subscription.KnownPaymentMapping, error) {
	var m subscription.KnownPaymentMapping
	err := p.pool.QueryRow(ctx, `
		SELECT provider_payment_id, subscription_id, added_by, reason, created_at
		FROM known_payment_mappings WHERE provider_payment_id = $1`, providerPaymentID).
		Scan(&m.ProviderPaymentID, &m.SubscriptionID, &m.AddedBy, &m.Reason, &m.CreatedAt)
	if pg.IsNotFoundError(err) {
		return nil, subscription.ErrMappingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *Postgres) ListMappings(ctx context.Context) ([]subscription.KnownPaymentMapping, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT provider_payment_id, subscription_id, added_by, reason, created_at
		FROM known_payment_mappings ORDER BY provider_payment_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (subscription.KnownPaymentMapping, error) {
		var m subscription.KnownPaymentMapping
		err := row.Scan(&m.ProviderPaymentID, &m.SubscriptionID, &m.AddedBy, &m.Reason, &m.CreatedAt)
		return m, err
	})
}
