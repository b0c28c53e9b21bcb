package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newReconcileCommand(load settingsLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print its summary",
		Long: `Run one reconciliation pass over pending subscriptions and failed webhook
events, bypassing the cooldown. The pass takes the same lease as the scheduler,
so it fails with "reconciliation already running" while another instance runs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load()
			if err != nil {
				return err
			}
			log := newLogger(s)
			ctx := cmd.Context()

			st, err := newStack(ctx, s, log, stackOptions{})
			if err != nil {
				return err
			}
			defer st.Close()

			sum, err := st.scheduler.RunNow(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
}
