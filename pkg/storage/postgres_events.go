package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billsync/pkg/pg"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

const eventColumns = `event_id, type, action, resource_id, status, error, attempts, payload, received_at, processed_at`

func scanEvent(row pgx.Row) (*subscription.WebhookEvent, error) {
	var ev subscription.WebhookEvent
	err := row.Scan(&ev.EventID, &ev.Type, &ev.Action, &ev.ResourceID, &ev.Status, &ev.Error,
		&ev.Attempts, &ev.Payload, &ev.ReceivedAt, &ev.ProcessedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, subscription.ErrEventNotFound
		}
		return nil, err
	}
	return &ev, nil
}

// payloadArg stores valid JSON as jsonb and anything else as NULL.
func payloadArg(b []byte) any {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return string(b)
}

// Claim inserts the event row. The primary key on event_id decides the winner
// among concurrent deliveries; losers get false.
func (p *Postgres) Claim(ctx context.Context, ev *subscription.WebhookEvent) (bool, error) {
	status := ev.Status
	if status == "" {
		status = subscription.EventReceived
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, type, action, resource_id, status, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.EventID, ev.Type, ev.Action, ev.ResourceID, status, payloadArg(ev.Payload), receivedAt)
	if pg.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) Finish(ctx context.Context, eventID string, status subscription.EventStatus, errMsg string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE webhook_events SET status = $2, error = $3, attempts = attempts + 1, processed_at = $4
		WHERE event_id = $1`, eventID, status, errMsg, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrEventNotFound
	}
	return nil
}

func (p *Postgres) GetEvent(ctx context.Context, eventID string) (*subscription.WebhookEvent, error) {
	return scanEvent(p.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE event_id = $1`, eventID))
}

func (p *Postgres) ListReplayable(ctx context.Context, q subscription.ReplayQuery) ([]*subscription.WebhookEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	maxAttempts := q.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(^uint32(0) >> 1)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE received_at >= $1
		  AND attempts < $2
		  AND (status = 'failed' OR (status = 'received' AND $3::timestamptz IS NOT NULL AND received_at < $3))
		ORDER BY received_at
		LIMIT $4`, q.Since, maxAttempts, nullTime(q.StuckBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*subscription.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
