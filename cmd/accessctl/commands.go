package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/grainhero/accesscore/internal/auth"
	"github.com/grainhero/accesscore/internal/pagination"
	"github.com/grainhero/accesscore/internal/plans"
	"github.com/grainhero/accesscore/internal/webhooks"
)

// errNotClean makes reconcile --strict exit non-zero.
var errNotClean = errors.New("reconciliation found issues")

func newRootCmd(load loader) *cobra.Command {
	root := &cobra.Command{
		Use:           "accessctl",
		Short:         "Operate the GrainHero subscription and access core",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newVersionCmd(),
		newPlansCmd(),
		newEventsCmd(load),
		newUsageCmd(load),
		newReconcileCmd(load),
		newTokenCmd(load),
	)
	return root
}

// withDeps loads deps for the duration of fn.
func withDeps(cmd *cobra.Command, load loader, fn func(ctx context.Context, d *deps) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := load(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return fn(ctx, d)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "accessctl %s (%s)\n", Version, Commit)
		},
	}
}

func newPlansCmd() *cobra.Command {
	var catalogPath string
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Validate and list the plan catalog",
		Long:  "Loads the plan catalog file (or the built-in catalog) and prints its plans. A catalog that fails validation exits non-zero.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog := plans.Default()
			if catalogPath != "" {
				var err error
				if catalog, err = plans.Load(catalogPath); err != nil {
					return err
				}
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPRICE ID\tMONTHLY\tUSERS\tBATCHES\tDEVICES\tSTORAGE GB")
			for _, p := range catalog.Plans() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d.%02d %s\t%s\t%s\t%s\t%s\n",
					p.ID, p.Name, p.PriceID, p.PricePerMonth/100, p.PricePerMonth%100, p.Currency,
					p.Quotas.MaxUsers, p.Quotas.MaxBatches, p.Quotas.MaxDevices, p.Quotas.MaxStorageGB)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog YAML file (default: built-in catalog)")
	return cmd
}

func newEventsCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Review and replay received webhook events",
	}

	var outcome string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List webhook events, failed ones by default",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, load, func(ctx context.Context, d *deps) error {
				page := pagination.Page{Number: 1, Limit: min(max(limit, 1), pagination.MaxLimit)}
				events, total, err := d.processor().List(ctx, webhooks.Outcome(outcome), page)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tOUTCOME\tATTEMPTS\tRECEIVED\tERROR")
				for _, ev := range events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
						ev.ID, ev.Type, ev.Outcome, ev.Attempts, ev.ReceivedAt.Format(time.RFC3339), ev.Error)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d of %d events\n", len(events), total)
				return nil
			})
		},
	}
	list.Flags().StringVar(&outcome, "outcome", string(webhooks.OutcomeFailed), "filter by outcome (applied, failed, ignored, processing; empty for all)")
	list.Flags().IntVar(&limit, "limit", pagination.DefaultLimit, "maximum events to list")

	replay := &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Re-process a failed event from its stored payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, load, func(ctx context.Context, d *deps) error {
				res, err := d.processor().Replay(ctx, args[0])
				if res != nil {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func newUsageCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Recompute usage and send limit warnings",
	}

	refresh := &cobra.Command{
		Use:   "refresh <subscription-id>",
		Short: "Recount one subscription's usage and print the snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, load, func(ctx context.Context, d *deps) error {
				snap, err := d.meter().Refresh(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			})
		},
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run the limit warning sweep once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, load, func(ctx context.Context, d *deps) error {
				res, err := d.scheduler().RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.AddCommand(refresh, sweep)
	return cmd
}

func newReconcileCmd(load loader) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check for duplicate subscriptions, access drift and failed events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, load, func(ctx context.Context, d *deps) error {
				report, err := d.reconciler().RunAll(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if strict && !report.Clean() {
					return errNotClean
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when anything needs attention")
	return cmd
}

func newTokenCmd(load loader) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, load, func(ctx context.Context, d *deps) error {
				m, err := d.authManager()
				if err != nil {
					return err
				}
				u, err := d.tenants.GetUser(ctx, args[0])
				if err != nil {
					return fmt.Errorf("load user %s: %w", args[0], err)
				}
				tok, err := m.Issue(u, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "token lifetime")
	return cmd
}
