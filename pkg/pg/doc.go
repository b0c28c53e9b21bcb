// Package pg bootstraps PostgreSQL access on top of pgx/v5: a retrying pool
// constructor, goose migrations (embedded by default), a health check closure
// and helpers that classify driver errors.
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, slog.Default()); err != nil {
//		return err
//	}
//
// The schema's unique constraints on webhook_events.event_id and
// payment_events.provider_payment_id are correctness mechanisms, not indexes
// for speed: IsDuplicateKeyError is how callers learn they lost a race.
package pg
