package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorma-edu/aiguard"
	"github.com/lorma-edu/aiguard/ratelimit"
)

const tsLayout = "2006-01-02T15:04:05Z07:00"

func openLimiter(cmd *cobra.Command, configPath string) (*ratelimit.Limiter, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	warnMemoryBackend(cmd.ErrOrStderr(), "rate limiter", cfg.RateLimit.Store)
	return aiguard.OpenLimiter(cfg.RateLimit, cliLogger())
}

func newRateLimitCmd() *cobra.Command {
	var (
		configPath string
		identifier string
		endpoint   string
	)

	cmd := &cobra.Command{
		Use:     "ratelimit",
		Aliases: []string{"rl"},
		Short:   "Inspect rate limit windows",
	}

	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Show the live window for a caller and endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLimiter(cmd, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			u, err := l.CurrentUsage(context.Background(), identifier, endpoint, time.Now())
			if errors.Is(err, ratelimit.ErrNoWindow) {
				fmt.Fprintln(cmd.OutOrStdout(), "No live window.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Count:     %d/%d\nRemaining: %d\nWindow:    %s .. %s\n",
				u.Count, u.Limit, u.Remaining, u.WindowStart.Format(tsLayout), u.ResetAt.Format(tsLayout))
			return nil
		},
	}

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List past and present windows, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLimiter(cmd, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			windows, err := l.History(context.Background(), identifier, endpoint, limit)
			if err != nil {
				return err
			}
			if len(windows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No windows found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WINDOW START\tRESET AT\tCOUNT\tLIMIT")
			for _, win := range windows {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n",
					win.WindowStart.Format(tsLayout), win.ResetAt.Format(tsLayout), win.Count, win.Limit)
			}
			return w.Flush()
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 20, "maximum windows to list")

	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete windows that reset before now minus --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			l, err := openLimiter(cmd, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			n, err := l.PruneBefore(context.Background(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d windows.\n", n)
			return nil
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "retention period")

	for _, c := range []*cobra.Command{usageCmd, historyCmd} {
		c.Flags().StringVar(&identifier, "identifier", "", "caller identifier, e.g. key:tutor-app or ip:10.0.0.7")
		c.Flags().StringVar(&endpoint, "endpoint", "", "endpoint name")
		_ = c.MarkFlagRequired("identifier")
		_ = c.MarkFlagRequired("endpoint")
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "aiguard.yaml", "path to config file")
	cmd.AddCommand(usageCmd, historyCmd, pruneCmd)
	return cmd
}
