// Command ledgerctl is the operator CLI for inspecting balances, verifying
// escrow settlements and re-driving stuck work against the production
// database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/bountypay/internal/config"
	"github.com/mbd888/bountypay/internal/logging"
	"github.com/mbd888/bountypay/internal/money"
	"github.com/mbd888/bountypay/internal/reconciliation"
	"github.com/mbd888/bountypay/internal/server"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operator tools for the bountypay ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(replayEventsCmd())
	rootCmd.AddCommand(retryPayoutsCmd())
	rootCmd.AddCommand(purgeIdempotencyCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// connect loads configuration and wires the services against PostgreSQL.
// The caller closes the returned database.
func connect(ctx context.Context) (*server.Components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	logger := logging.New(cfg.LogLevel, "text")
	db, err := server.OpenDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return server.NewComponents(cfg, db, nil, logger), nil
}

// withComponents runs fn with wired services and closes the database after.
func withComponents(cmd *cobra.Command, fn func(context.Context, *server.Components) error) error {
	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.DB.Close() }()
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's balance, reserve and available funds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				snap, err := c.Balances.Snapshot(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput(cmd) {
					return printJSON(out, snap)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "user\t%s\n", snap.UserID)
				fmt.Fprintf(tw, "tier\t%s\n", snap.Tier)
				fmt.Fprintf(tw, "balance\t%s\n", money.Format(snap.Balance))
				fmt.Fprintf(tw, "reserve\t%s\n", money.Format(snap.Reserve))
				fmt.Fprintf(tw, "available\t%s\n", money.Format(snap.Available))
				return tw.Flush()
			})
		},
	}
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "List a user's ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				entries, err := c.Ledger.History(ctx, args[0], limit, offset)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput(cmd) {
					return printJSON(out, entries)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CREATED\tTYPE\tAMOUNT\tBOUNTY\tEXTERNAL REF\tID")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						e.CreatedAt.Format(time.RFC3339), e.Type, money.Format(e.Amount),
						deref(e.BountyID), deref(e.ExternalRef), e.ID)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 50, "Maximum entries")
	cmd.Flags().Int("offset", 0, "Entries to skip")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check escrow settlements and holds against the ledger",
		Long: `Runs the read-only reconciliation checks once: every settled escrow
must have exactly one release or refund entry and every held escrow must
have its hold. Exits non-zero when anything is inconsistent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			lookback, _ := cmd.Flags().GetDuration("lookback")
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				runner := reconciliation.NewRunner(c.Bounties, c.Ledger, nil, nil, nil,
					reconciliation.Options{Lookback: lookback, BatchSize: 10_000},
					logging.New("warn", "text"))
				rep, err := runner.RunAll(ctx)
				if rep != nil {
					out := cmd.OutOrStdout()
					if jsonOutput(cmd) {
						if perr := printJSON(out, rep); perr != nil {
							return perr
						}
					} else {
						fmt.Fprintf(out, "settlement mismatches: %d\n", len(rep.SettlementMismatches))
						for _, id := range rep.SettlementMismatches {
							fmt.Fprintf(out, "  %s\n", id)
						}
						fmt.Fprintf(out, "missing holds: %d\n", len(rep.MissingHolds))
						for _, id := range rep.MissingHolds {
							fmt.Fprintf(out, "  %s\n", id)
						}
						fmt.Fprintf(out, "stalled holds: %d\n", len(rep.StalledHolds))
						for _, id := range rep.StalledHolds {
							fmt.Fprintf(out, "  %s\n", id)
						}
					}
				}
				if err != nil {
					return err
				}
				if !rep.Healthy() {
					return fmt.Errorf("ledger is inconsistent")
				}
				return nil
			})
		},
	}
	cmd.Flags().Duration("lookback", 30*24*time.Hour, "How far back settled escrows are checked")
	return cmd
}

func replayEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay-events",
		Short: "Re-drive webhook events that were received but not processed",
		RunE: func(cmd *cobra.Command, args []string) error {
			grace, _ := cmd.Flags().GetDuration("grace")
			limit, _ := cmd.Flags().GetInt("limit")
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				n, err := c.Reconciler.Replay(ctx, grace, limit)
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events\n", n)
				return err
			})
		},
	}
	cmd.Flags().Duration("grace", time.Minute, "Skip events received more recently than this")
	cmd.Flags().IntP("limit", "n", 500, "Maximum events")
	return cmd
}

func retryPayoutsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-payouts",
		Short: "Retry payouts whose transfer outcome is unknown",
		RunE: func(cmd *cobra.Command, args []string) error {
			grace, _ := cmd.Flags().GetDuration("grace")
			limit, _ := cmd.Flags().GetInt("limit")
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				n, err := c.Payouts.RetryUnknown(ctx, grace, limit)
				fmt.Fprintf(cmd.OutOrStdout(), "retried %d payouts\n", n)
				return err
			})
		},
	}
	cmd.Flags().Duration("grace", 10*time.Minute, "Skip payouts updated more recently than this")
	cmd.Flags().IntP("limit", "n", 100, "Maximum payouts")
	return cmd
}

func purgeIdempotencyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-idempotency",
		Short: "Delete expired idempotency keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *server.Components) error {
				n, err := c.Guard.Purge(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d keys\n", n)
				return nil
			})
		},
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
