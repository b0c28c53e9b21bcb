package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billsync/pkg/httpserver"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/reconcile"
)

func newServeCommand(load settingsLoader) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive webhooks, run the reconciliation scheduler and serve the internal API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load()
			if err != nil {
				return err
			}
			log := newLogger(s)
			logger.SetAsDefault(log)
			ctx := cmd.Context()

			st, err := newStack(ctx, s, log, stackOptions{migrate: migrate})
			if err != nil {
				return err
			}
			defer st.Close()

			handler, err := st.router(ctx)
			if err != nil {
				return err
			}

			if s.Reconcile.AutoStart {
				if err := st.scheduler.Start(ctx); err != nil {
					return err
				}
			}

			runErr := httpserver.NewFromConfig(s.HTTP, httpserver.WithLogger(log)).Run(ctx, handler)

			if err := st.scheduler.Stop(); err != nil && !errors.Is(err, reconcile.ErrNotStarted) {
				log.ErrorContext(ctx, "failed to stop scheduler", logger.Error(err))
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")
	return cmd
}
