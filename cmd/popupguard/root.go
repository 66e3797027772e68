package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"popupguard/internal/app"
	"popupguard/internal/popup"
)

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "popupguard",
		Short:         "Arbitrates popup decisions between page detectors and the user",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newPendingCmd(&cfgPath),
		newHistoryCmd(&cfgPath),
		newStatsCmd(&cfgPath),
		newCleanupCmd(&cfgPath),
		newResetCmd(&cfgPath),
	)
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the decision service and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.NewApp(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

// withOffline opens the configured store for a one-shot command.
func withOffline(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, o *app.Offline) error) error {
	ctx := cmd.Context()
	o, err := app.OpenOffline(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer o.Close()
	return fn(ctx, o)
}

func newPendingCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List persisted pending decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOffline(cmd, *cfgPath, func(_ context.Context, o *app.Offline) error {
				return printJSON(cmd.OutOrStdout(), o.Manager.ListPendingDecisions())
			})
		},
	}
}

func newHistoryCmd(cfgPath *string) *cobra.Command {
	var (
		domain   string
		decision string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded decisions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := popup.HistoryFilter{Domain: domain, Decision: popup.ParseDecision(decision), Limit: limit}
			if f.Decision != "" && !f.Decision.Valid() {
				return fmt.Errorf("unknown decision %q", decision)
			}
			if limit < 0 {
				return errors.New("--limit must be >= 0")
			}
			return withOffline(cmd, *cfgPath, func(ctx context.Context, o *app.Offline) error {
				h, err := o.Manager.QueryHistory(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), h)
			})
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "only this domain")
	cmd.Flags().StringVar(&decision, "decision", "", "only this decision (close, keep, dismiss, timeout)")
	cmd.Flags().IntVar(&limit, "limit", 0, "at most this many records (0 = all)")
	return cmd
}

func newStatsCmd(cfgPath *string) *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOffline(cmd, *cfgPath, func(ctx context.Context, o *app.Offline) error {
				st, err := o.Manager.Stats(ctx, top)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "number of top domains")
	return cmd
}

func newCleanupCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Drop pending decisions older than the expiry threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOffline(cmd, *cfgPath, func(ctx context.Context, o *app.Offline) error {
				n, err := o.Manager.CleanupExpiredDecisions(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired decision(s)\n", n)
				return nil
			})
		},
	}
}

func newResetCmd(cfgPath *string) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Erase all persisted history and pending decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to erase the store without --yes")
			}
			return withOffline(cmd, *cfgPath, func(ctx context.Context, o *app.Offline) error {
				if err := o.Store.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "store cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
