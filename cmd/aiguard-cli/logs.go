package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorma-edu/aiguard"
	"github.com/lorma-edu/aiguard/internal/requestlog"
)

func openRequestLog(configPath string) (*requestlog.SQLWriter, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	w, err := aiguard.OpenRequestLog(cfg.RequestLog)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("request_log is not enabled in %s", configPath)
	}
	return w, nil
}

func newLogsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the request log",
	}

	var (
		q     requestlog.Query
		since time.Duration
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openRequestLog(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()

			if since > 0 {
				t := time.Now().Add(-since)
				q.Since = &t
			}
			page, err := w.List(context.Background(), q)
			if err != nil {
				return err
			}
			if len(page.Data) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No requests found.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tIDENTIFIER\tENDPOINT\tOUTCOME\tMODEL\tTOKENS\tLATENCY")
			for _, e := range page.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%dms\n",
					e.CreatedAt.Format(tsLayout), e.Identifier, e.Endpoint, e.Outcome, e.Model, e.TokensUsed, e.LatencyMS)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nShowing %d of %d.\n", len(page.Data), page.Total)
			return nil
		},
	}
	listCmd.Flags().IntVar(&q.Limit, "limit", 50, "maximum rows")
	listCmd.Flags().IntVar(&q.Offset, "offset", 0, "rows to skip")
	listCmd.Flags().StringVar(&q.Outcome, "outcome", "", "filter by outcome (hit, miss, shared, rejected, error)")
	listCmd.Flags().StringVar(&q.Identifier, "identifier", "", "filter by caller identifier")
	listCmd.Flags().StringVar(&q.Endpoint, "endpoint", "", "filter by endpoint")
	listCmd.Flags().DurationVar(&since, "since", 0, "only show requests newer than this, e.g. 24h")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "aiguard.yaml", "path to config file")
	cmd.AddCommand(listCmd)
	return cmd
}
