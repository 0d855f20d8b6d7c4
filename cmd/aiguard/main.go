// Command aiguard serves the guarded generation API over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/lorma-edu/aiguard"
	"github.com/lorma-edu/aiguard/internal/admin"
	"github.com/lorma-edu/aiguard/internal/logging"
	"github.com/lorma-edu/aiguard/internal/version"
)

// Settings are the process-level options read from AIGUARD_* variables.
// Everything about stores, policies and upstreams lives in the config file.
type Settings struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ConfigPath      string        `envconfig:"CONFIG" default:"aiguard.yaml"`
	AdminToken      string        `envconfig:"ADMIN_TOKEN" default:""`
	APIKeys         string        `envconfig:"API_KEYS" default:""`
	RequireAPIKey   bool          `envconfig:"REQUIRE_API_KEY" default:"false"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

func loadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process("AIGUARD", &s); err != nil {
		return s, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

// newKeyStore seeds the key store from settings. The admin token becomes an
// admin-scoped key named "admin"; API_KEYS entries get the generate scope.
func newKeyStore(s Settings) (*admin.KeyStore, error) {
	store := admin.NewKeyStore()
	if s.AdminToken != "" {
		if _, err := store.Add("admin", s.AdminToken, []string{admin.ScopeAdmin}); err != nil {
			return nil, err
		}
	}
	keys, err := admin.ParseKeySpec(s.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("AIGUARD_API_KEYS: %w", err)
	}
	for name, key := range keys {
		if _, err := store.Add(name, key, []string{admin.ScopeGenerate}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func main() {
	if err := run(); err != nil {
		logging.Logger.Error("aiguard exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	logging.Setup(settings.LogLevel, settings.LogFormat)
	logger := logging.Logger

	cfg, err := aiguard.LoadConfig(settings.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	guard, err := aiguard.Open(ctx, *cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := guard.Close(); err != nil {
			logger.Warn("closing guard", "error", err)
		}
	}()

	keys, err := newKeyStore(settings)
	if err != nil {
		return err
	}
	if settings.AdminToken == "" {
		logger.Warn("AIGUARD_ADMIN_TOKEN is not set; admin API is unreachable")
	}

	sweep, err := aiguard.NewSweeper(guard, cfg.Maintenance, logger)
	if err != nil {
		return err
	}
	if sweep != nil {
		sweep.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
			defer cancel()
			sweep.Stop(stopCtx)
		}()
	}

	srv := &http.Server{
		Addr: ":" + settings.Port,
		Handler: newRouter(routerDeps{
			Guard:         guard,
			Keys:          keys,
			RequireAPIKey: settings.RequireAPIKey,
			CORSOrigins:   settings.CORSOrigins,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", "error", err)
		}
	}()

	logger.Info("aiguard listening",
		slog.String("version", version.Short()),
		slog.String("addr", srv.Addr),
		slog.Any("upstreams", guard.Upstreams().Names()),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
