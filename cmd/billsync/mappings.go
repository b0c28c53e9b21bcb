package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/billsync/pkg/subscription"
)

type mappingStore interface {
	AddMapping(ctx context.Context, m subscription.KnownPaymentMapping) error
	ListMappings(ctx context.Context) ([]subscription.KnownPaymentMapping, error)
}

// mappingFile is the import format:
//
//	mappings:
//	  - payment_id: "1319561234"
//	    subscription_id: 7d0c2a1e-8f7b-4a51-9d43-0f4c7e1b2a10
//	    added_by: ops@example.com
//	    reason: payer used a different email, ticket 4512
type mappingFile struct {
	Mappings []mappingEntry `yaml:"mappings"`
}

type mappingEntry struct {
	PaymentID      string `yaml:"payment_id"`
	SubscriptionID string `yaml:"subscription_id"`
	AddedBy        string `yaml:"added_by"`
	Reason         string `yaml:"reason"`
}

func (e mappingEntry) mapping(now time.Time) (subscription.KnownPaymentMapping, error) {
	id, err := uuid.Parse(strings.TrimSpace(e.SubscriptionID))
	if err != nil {
		return subscription.KnownPaymentMapping{}, fmt.Errorf("subscription id %q: %w", e.SubscriptionID, err)
	}
	m := subscription.KnownPaymentMapping{
		ProviderPaymentID: strings.TrimSpace(e.PaymentID),
		SubscriptionID:    id,
		AddedBy:           strings.TrimSpace(e.AddedBy),
		Reason:            strings.TrimSpace(e.Reason),
		CreatedAt:         now,
	}
	return m, m.Validate()
}

func parseMappingFile(r io.Reader, now time.Time) ([]subscription.KnownPaymentMapping, error) {
	var f mappingFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse mappings file: %w", err)
	}

	out := make([]subscription.KnownPaymentMapping, 0, len(f.Mappings))
	var errs []error
	for i, e := range f.Mappings {
		m, err := e.mapping(now)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i+1, err))
			continue
		}
		out = append(out, m)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// importMappings adds every mapping, skipping ones already present. It returns
// how many were added.
func importMappings(ctx context.Context, store mappingStore, mappings []subscription.KnownPaymentMapping) (int, error) {
	added := 0
	var errs []error
	for _, m := range mappings {
		err := store.AddMapping(ctx, m)
		switch {
		case err == nil:
			added++
		case errors.Is(err, subscription.ErrMappingAlreadyExists):
		default:
			errs = append(errs, fmt.Errorf("payment %s: %w", m.ProviderPaymentID, err))
		}
	}
	return added, errors.Join(errs...)
}

func printMappings(w io.Writer, mappings []subscription.KnownPaymentMapping) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAYMENT\tSUBSCRIPTION\tADDED BY\tCREATED\tREASON")
	for _, m := range mappings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			m.ProviderPaymentID, m.SubscriptionID, m.AddedBy, m.CreatedAt.UTC().Format(time.RFC3339), m.Reason)
	}
	return tw.Flush()
}

func newMappingsCommand(load settingsLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Manage hand-resolved payment to subscription links",
	}

	withStore := func(cmd *cobra.Command, fn func(context.Context, mappingStore) error) error {
		s, err := load()
		if err != nil {
			return err
		}
		log := newLogger(s)
		db, closeDB, err := openStore(cmd.Context(), s, log, false)
		if err != nil {
			return err
		}
		defer closeDB()
		return fn(cmd.Context(), db)
	}

	var entry mappingEntry
	add := &cobra.Command{
		Use:   "add",
		Short: "Link a provider payment to a subscription",
		Example: `  billsync mappings add --payment 1319561234 \
    --subscription 7d0c2a1e-8f7b-4a51-9d43-0f4c7e1b2a10 \
    --by ops@example.com --reason "payer used a different email"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := entry.mapping(time.Now().UTC())
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, db mappingStore) error {
				if err := db.AddMapping(ctx, m); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "payment %s -> subscription %s\n", m.ProviderPaymentID, m.SubscriptionID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&entry.PaymentID, "payment", "", "provider payment id")
	add.Flags().StringVar(&entry.SubscriptionID, "subscription", "", "local subscription id")
	add.Flags().StringVar(&entry.AddedBy, "by", "", "who resolved the mapping")
	add.Flags().StringVar(&entry.Reason, "reason", "", "why the payment belongs to the subscription")
	for _, name := range []string{"payment", "subscription", "by", "reason"} {
		_ = add.MarkFlagRequired(name)
	}

	list := &cobra.Command{
		Use:     "list",
		Short:   "List known payment mappings",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, db mappingStore) error {
				mappings, err := db.ListMappings(ctx)
				if err != nil {
					return err
				}
				return printMappings(cmd.OutOrStdout(), mappings)
			})
		},
	}

	imp := &cobra.Command{
		Use:   "import FILE",
		Short: "Import mappings from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			mappings, err := parseMappingFile(f, time.Now().UTC())
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, db mappingStore) error {
				added, err := importMappings(ctx, db, mappings)
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d mappings\n", added, len(mappings))
				return err
			})
		},
	}

	cmd.AddCommand(add, list, imp)
	return cmd
}
