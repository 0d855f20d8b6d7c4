// Package sweeper runs periodic maintenance on a cron schedule: removing
// expired cache entries and pruning old rate-limit windows.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lorma-edu/aiguard/internal/metrics"
)

// DefaultSchedule runs maintenance every five minutes.
const DefaultSchedule = "@every 5m"

// CacheSweeper is satisfied by *cache.Cache.
type CacheSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// WindowPruner is satisfied by *ratelimit.Limiter.
type WindowPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls what a Sweeper does on each run.
type Config struct {
	// Schedule is a standard five-field cron spec or a descriptor such as
	// "@hourly" or "@every 10m". Defaults to DefaultSchedule.
	Schedule string
	// Retention keeps rate-limit windows whose reset time is within this
	// duration of now. Zero disables pruning.
	Retention time.Duration
	// Timeout bounds a single run. Defaults to one minute.
	Timeout time.Duration
}

// Result reports one maintenance run.
type Result struct {
	SweptEntries  int64
	PrunedWindows int64
}

// Sweeper owns the cron scheduler. Either target may be nil.
type Sweeper struct {
	cache  CacheSweeper
	pruner WindowPruner
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	cron   *cron.Cron
}

// New validates cfg.Schedule and registers the maintenance job. The scheduler
// does not run until Start is called.
func New(c CacheSweeper, p WindowPruner, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("sweeper: retention must not be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		cache:  c,
		pruner: p,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	res, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Warn("maintenance run failed", "error", err)
		return
	}
	s.logger.Debug("maintenance run complete",
		"swept_entries", res.SweptEntries,
		"pruned_windows", res.PrunedWindows,
	)
}

// RunOnce performs one maintenance pass immediately. Both steps run even if
// the first fails; the errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)
	now := s.now().UTC()

	if s.cache != nil {
		n, err := s.cache.SweepExpired(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep cache: %w", err))
		}
		res.SweptEntries = n
		metrics.CacheSweptEntries.Add(float64(n))
	}
	if s.pruner != nil && s.cfg.Retention > 0 {
		n, err := s.pruner.PruneBefore(ctx, now.Add(-s.cfg.Retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("prune windows: %w", err))
		}
		res.PrunedWindows = n
		metrics.RateLimitPruned.Add(float64(n))
	}
	return res, errors.Join(errs...)
}

// Start begins running the job on its schedule in a background goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "schedule", s.cfg.Schedule, "retention", s.cfg.Retention.String())
}

// Stop halts the scheduler and waits for a running job, or ctx, to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
