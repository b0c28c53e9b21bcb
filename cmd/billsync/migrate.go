package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billsync/pkg/pg"
)

func newMigrateCommand(load settingsLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load()
			if err != nil {
				return err
			}
			log := newLogger(s)
			ctx := cmd.Context()

			pool, err := pg.Connect(ctx, s.Postgres)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			if err := pg.Migrate(ctx, pool, s.Postgres, log); err != nil {
				return err
			}
			log.InfoContext(ctx, "migrations applied")
			return nil
		},
	}
}
