package aiguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lorma-edu/aiguard/cache"
	"github.com/lorma-edu/aiguard/internal/circuitbreaker"
	"github.com/lorma-edu/aiguard/internal/requestlog"
	"github.com/lorma-edu/aiguard/internal/sweeper"
	"github.com/lorma-edu/aiguard/internal/throttle"
	"github.com/lorma-edu/aiguard/ratelimit"
	"github.com/lorma-edu/aiguard/upstream"
)

func newRedisClient(dsn string) (*redis.Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// OpenCacheStore opens the cache store described by sc.
func OpenCacheStore(sc StoreConfig) (cache.Store, error) {
	switch sc.Backend {
	case "", BackendMemory:
		return cache.NewMemoryStore(sc.Shards), nil
	case BackendSQLite:
		return cache.NewSQLiteStore(sc.DSN)
	case BackendPostgres:
		return cache.NewPostgresStore(sc.DSN)
	case BackendRedis:
		client, err := newRedisClient(sc.DSN)
		if err != nil {
			return nil, err
		}
		return cache.NewRedisStore(client, sc.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", sc.Backend)
	}
}

// OpenRateLimitStore opens the rate limit store described by sc.
func OpenRateLimitStore(sc StoreConfig) (ratelimit.Store, error) {
	switch sc.Backend {
	case "", BackendMemory:
		return ratelimit.NewMemoryStore(sc.Shards), nil
	case BackendSQLite:
		return ratelimit.NewSQLiteStore(sc.DSN)
	case BackendPostgres:
		return ratelimit.NewPostgresStore(sc.DSN)
	case BackendRedis:
		client, err := newRedisClient(sc.DSN)
		if err != nil {
			return nil, err
		}
		return ratelimit.NewRedisStore(client, sc.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", sc.Backend)
	}
}

// OpenCache builds the response cache from cfg.
func OpenCache(cfg CacheConfig, logger *slog.Logger) (*cache.Cache, error) {
	store, err := OpenCacheStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	opts := []cache.Option{cache.WithLogger(logger)}
	if cfg.DefaultTTL > 0 {
		opts = append(opts, cache.WithDefaultTTL(cfg.DefaultTTL.Std()))
	}
	return cache.New(store, opts...), nil
}

// OpenLimiter builds the rate limiter from cfg.
func OpenLimiter(cfg RateLimitConfig, logger *slog.Logger) (*ratelimit.Limiter, error) {
	store, err := OpenRateLimitStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open rate limit store: %w", err)
	}
	return ratelimit.New(store, ratelimit.Options{FailOpen: cfg.FailOpen, Logger: logger}), nil
}

// OpenRequestLog opens the request log, or returns nil when it is disabled.
func OpenRequestLog(cfg RequestLogConfig) (*requestlog.SQLWriter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Backend == BackendPostgres {
		return requestlog.NewPostgresWriter(cfg.DSN)
	}
	return requestlog.NewSQLiteWriter(cfg.DSN)
}

// NewUpstream builds one upstream client from uc, wrapped in a circuit
// breaker and an outbound throttle when configured. Fallback chains are
// assembled by Open.
func NewUpstream(ctx context.Context, uc UpstreamConfig) (upstream.Client, error) {
	var (
		client upstream.Client
		err    error
	)
	switch uc.Type {
	case UpstreamOpenAI:
		client, err = upstream.NewOpenAI(uc.APIKey, uc.BaseURL)
	case UpstreamBedrock:
		client, err = upstream.NewBedrock(ctx, uc.Region)
	case UpstreamHTTP:
		hc := upstream.HTTPConfig{
			Name:     uc.EffectiveName(),
			Endpoint: uc.Endpoint,
			APIKey:   uc.APIKey,
			Timeout:  uc.Timeout.Std(),
		}
		if o := uc.OAuth2; o != nil {
			hc.OAuth2 = &upstream.OAuth2Config{
				ClientID:     o.ClientID,
				ClientSecret: o.ClientSecret,
				TokenURL:     o.TokenURL,
				Scopes:       o.Scopes,
			}
		}
		client, err = upstream.NewHTTP(hc)
	default:
		return nil, fmt.Errorf("unknown upstream type %q", uc.Type)
	}
	if err != nil {
		return nil, err
	}
	if cb := uc.CircuitBreaker; cb != nil {
		client = upstream.WithBreaker(client, circuitbreaker.Settings{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			Timeout:          cb.Timeout.Std(),
		})
	}
	if t := uc.Throttle; t != nil {
		client = upstream.WithThrottle(client, throttle.New(t.RPS, float64(t.Burst)))
	}
	return client, nil
}

// Open validates cfg and builds a Guard with every store and upstream it
// describes. The caller owns the Guard and must Close it.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Guard, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	policies, err := cfg.RateLimit.PolicySet()
	if err != nil {
		return nil, err
	}

	clients := make(map[string]upstream.Client, len(cfg.Upstreams))
	for _, uc := range cfg.Upstreams {
		client, err := NewUpstream(ctx, uc)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", uc.EffectiveName(), err)
		}
		clients[uc.EffectiveName()] = client
	}
	registry := upstream.NewRegistry()
	for _, uc := range cfg.Upstreams {
		client := clients[uc.EffectiveName()]
		if len(uc.Fallback) > 0 || uc.Retries > 1 {
			chain := []upstream.Client{client}
			for _, name := range uc.Fallback {
				chain = append(chain, clients[name])
			}
			client = upstream.NewFallback(chain, uc.Retries)
		}
		registry.Register(client, uc.Models...)
	}

	var opened []io.Closer
	cleanup := func() {
		for _, c := range opened {
			_ = c.Close()
		}
	}

	c, err := OpenCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	opened = append(opened, c)

	limiter, err := OpenLimiter(cfg.RateLimit, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	opened = append(opened, limiter)

	opts := GuardOptions{
		Limiter:   limiter,
		Policies:  policies,
		Cache:     c,
		Upstreams: registry,
		Logger:    logger,
	}
	reqlog, err := OpenRequestLog(cfg.RequestLog)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("open request log: %w", err)
	}
	if reqlog != nil {
		opts.RequestLog = reqlog
	}

	g, err := NewGuard(opts)
	if err != nil {
		cleanup()
		if reqlog != nil {
			_ = reqlog.Close()
		}
		return nil, err
	}
	if reqlog != nil {
		g.closers = append(g.closers, reqlog)
	}
	g.memoryWindows = backendName(cfg.RateLimit.Store) == BackendMemory

	logger.Info("guard ready",
		"cache_backend", backendName(cfg.Cache.Store),
		"rate_limit_backend", backendName(cfg.RateLimit.Store),
		"fail_open", cfg.RateLimit.FailOpen,
		"policies", policies.Len(),
		"upstreams", registry.Names(),
	)
	return g, nil
}

func backendName(sc StoreConfig) string {
	if sc.Backend == "" {
		return BackendMemory
	}
	return sc.Backend
}

// DefaultMemoryRetention is the window retention used for the memory rate
// limit backend when maintenance is enabled without one.
const DefaultMemoryRetention = 24 * time.Hour

// NewSweeper builds the maintenance scheduler for g from cfg. It returns nil
// when maintenance is disabled.
func NewSweeper(g *Guard, cfg MaintenanceConfig, logger *slog.Logger) (*sweeper.Sweeper, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	retention := cfg.Retention.Std()
	if retention == 0 && g.memoryWindows {
		retention = DefaultMemoryRetention
	}
	return sweeper.New(g.Cache(), g.Limiter(), sweeper.Config{
		Schedule:  cfg.Schedule,
		Retention: retention,
		Timeout:   time.Minute,
	}, logger)
}

// IsRateLimitStorageError reports whether err came from the limiter's store.
func IsRateLimitStorageError(err error) bool {
	return errors.Is(err, ratelimit.ErrStorage)
}
