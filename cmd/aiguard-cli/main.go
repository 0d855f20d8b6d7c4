// Command aiguard-cli inspects and maintains the stores behind an aiguard
// deployment.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lorma-edu/aiguard"
	"github.com/lorma-edu/aiguard/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aiguard-cli",
		Short:         "aiguard command line tool",
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newValidateCmd(),
		newCacheCmd(),
		newRateLimitCmd(),
		newLogsCmd(),
		newFingerprintCmd(),
		newVersionCmd(),
	)
	return root
}

// cliLogger keeps library warnings off stdout so command output stays
// parseable.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// loadConfig loads and validates the config file behind --config.
func loadConfig(path string) (*aiguard.Config, error) {
	cfg, err := aiguard.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := aiguard.ValidateConfig(*cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func warnMemoryBackend(w io.Writer, what string, sc aiguard.StoreConfig) {
	if sc.Backend == "" || sc.Backend == aiguard.BackendMemory {
		fmt.Fprintf(w, "note: %s uses the in-memory backend; this process sees an empty store\n", what)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Config is valid")
			fmt.Fprintf(out, "  Cache:      %s\n", backendOrMemory(cfg.Cache.Store))
			fmt.Fprintf(out, "  Rate limit: %s (fail_open=%t)\n", backendOrMemory(cfg.RateLimit.Store), cfg.RateLimit.FailOpen)

			endpoints := make([]string, 0, len(cfg.RateLimit.Policies))
			for ep, p := range cfg.RateLimit.Policies {
				endpoints = append(endpoints, fmt.Sprintf("%s=%d/%s", ep, p.Limit, p.Window))
			}
			sort.Strings(endpoints)
			fmt.Fprintf(out, "  Policies:   %s\n", strings.Join(endpoints, ", "))

			names := make([]string, 0, len(cfg.Upstreams))
			for _, u := range cfg.Upstreams {
				names = append(names, u.EffectiveName())
			}
			fmt.Fprintf(out, "  Upstreams:  %s\n", strings.Join(names, ", "))
			if cfg.Maintenance.Enabled {
				fmt.Fprintf(out, "  Maintenance: %s (retention %s)\n", cfg.Maintenance.Schedule, cfg.Maintenance.Retention)
			}
			return nil
		},
	}
}

func backendOrMemory(sc aiguard.StoreConfig) string {
	if sc.Backend == "" {
		return aiguard.BackendMemory
	}
	return sc.Backend
}

func newFingerprintCmd() *cobra.Command {
	var (
		model  string
		prompt string
		params string
		system string
	)
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the cache key for a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := aiguard.GenerateRequest{Model: model, Prompt: prompt, System: system}
			if params != "" {
				if err := json.Unmarshal([]byte(params), &req.Params); err != nil {
					return fmt.Errorf("--params must be a JSON object: %w", err)
				}
			}
			key, err := aiguard.CacheKey(req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	cmd.Flags().StringVar(&params, "params", "", "generation parameters as a JSON object")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				return printJSON(cmd.OutOrStdout(), version.Get())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "aiguard-cli %s\n", version.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
