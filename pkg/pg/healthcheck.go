package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Healthcheck returns a readiness check that runs a trivial query on pool, so
// a pool whose connections all point at a dead server fails too.
func Healthcheck(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		var one int
		if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
