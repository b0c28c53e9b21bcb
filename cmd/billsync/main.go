package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:           "billsync",
		Short:         "Keeps local subscriptions in sync with the payment provider",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "load variables from .env files before reading the environment")

	load := func() (settings, error) { return loadSettings(envFiles...) }

	root.AddCommand(
		newServeCommand(load),
		newReconcileCommand(load),
		newMigrateCommand(load),
		newMappingsCommand(load),
	)
	return root
}
