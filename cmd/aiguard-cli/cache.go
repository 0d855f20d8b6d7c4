package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorma-edu/aiguard"
	"github.com/lorma-edu/aiguard/cache"
)

func openCache(cmd *cobra.Command, configPath string) (*cache.Cache, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	warnMemoryBackend(cmd.ErrOrStderr(), "cache", cfg.Cache.Store)
	return aiguard.OpenCache(cfg.Cache, cliLogger())
}

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(cmd, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			s, err := c.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Entries:      %d\nExpired:      %d\nLookups:      %d\nHits:         %d\nHit rate:     %.1f%%\nTokens saved: %d\nSavings:      $%.4f\n",
				s.Entries, s.Expired, s.Lookups, s.Hits, s.HitRate*100, s.TokensSaved, s.CostSavingsUSD)
			return nil
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(cmd, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			n, err := c.SweepExpired(context.Background(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired entries.\n", n)
			return nil
		},
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <key>",
		Short: "Show one cache entry without counting a hit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(cmd, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			e, err := c.Peek(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete one cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(cmd, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ok, err := c.Delete(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no cache entry %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Entry deleted.")
			return nil
		},
	}

	var yes bool
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every cache entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}
			c, err := openCache(cmd, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			n, err := c.Purge(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries.\n", n)
			return nil
		},
	}
	purgeCmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting all entries")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "aiguard.yaml", "path to config file")
	cmd.AddCommand(statsCmd, sweepCmd, inspectCmd, deleteCmd, purgeCmd)
	return cmd
}
