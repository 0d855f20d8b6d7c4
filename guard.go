// Package aiguard puts a fixed-window rate limiter and a response cache in
// front of expensive AI generation calls.
//
// The Guard type is the main entry point. For each request it admits the
// caller against the endpoint's quota, looks the request fingerprint up in the
// cache and, on a miss, calls the upstream AI service and stores the result.
// Build one from a [Config] with [Open], or assemble the parts with [NewGuard].
package aiguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lorma-edu/aiguard/cache"
	"github.com/lorma-edu/aiguard/internal/logging"
	"github.com/lorma-edu/aiguard/internal/metrics"
	"github.com/lorma-edu/aiguard/internal/requestlog"
	"github.com/lorma-edu/aiguard/ratelimit"
	"github.com/lorma-edu/aiguard/upstream"
)

// ErrNoPolicy is returned when no rate-limit policy covers the endpoint.
var ErrNoPolicy = errors.New("no rate limit policy for endpoint")

// GenerateRequest is one guarded call.
type GenerateRequest struct {
	// Identifier names the caller (user ID, API key ID or client IP).
	Identifier string `json:"-"`
	Endpoint   string `json:"endpoint"`
	Model      string `json:"model"`
	Prompt     string `json:"prompt"`
	System     string `json:"system,omitempty"`
	// Params are generation parameters. They take part in the cache key.
	Params map[string]any `json:"params,omitempty"`
	// CacheTTL overrides the cache's default TTL when positive.
	CacheTTL time.Duration `json:"-"`
}

// Result is the outcome of Handle.
type Result struct {
	Decision ratelimit.Decision
	// Response is nil when the request was rejected.
	Response *upstream.Response
	Cached   bool
	// Shared is set when the response came from an upstream call another
	// in-flight request for the same key made.
	Shared   bool
	CacheKey string
	// HitCount is the cache entry's hit count after this call, when known.
	HitCount int64
}

// GuardOptions assembles a Guard. Limiter, Policies, Cache and Upstreams are
// required.
type GuardOptions struct {
	Limiter    *ratelimit.Limiter
	Policies   *ratelimit.PolicySet
	Cache      *cache.Cache
	Upstreams  *upstream.Registry
	RequestLog requestlog.Writer
	Logger     *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// FillTimeout bounds an upstream call and the cache write that follows
	// it. The call runs detached from the request that started it. Defaults
	// to DefaultFillTimeout.
	FillTimeout time.Duration
}

// DefaultFillTimeout is the FillTimeout used when none is set.
const DefaultFillTimeout = 2 * time.Minute

// Guard composes the limiter, the cache and the upstream clients.
type Guard struct {
	limiter   *ratelimit.Limiter
	policies  *ratelimit.PolicySet
	cache     *cache.Cache
	upstreams *upstream.Registry
	reqlog    requestlog.Writer
	logger    *slog.Logger
	now       func() time.Time
	fillTTL   time.Duration
	// memoryWindows is set by Open when windows live in process memory.
	memoryWindows bool
	flight    singleflight.Group
	closers   []io.Closer
}

// NewGuard creates a Guard from opts.
func NewGuard(opts GuardOptions) (*Guard, error) {
	switch {
	case opts.Limiter == nil:
		return nil, fmt.Errorf("aiguard: limiter is required")
	case opts.Policies == nil || opts.Policies.Len() == 0:
		return nil, fmt.Errorf("aiguard: at least one rate limit policy is required")
	case opts.Cache == nil:
		return nil, fmt.Errorf("aiguard: cache is required")
	case opts.Upstreams == nil:
		return nil, fmt.Errorf("aiguard: upstream registry is required")
	}
	g := &Guard{
		limiter:   opts.Limiter,
		policies:  opts.Policies,
		cache:     opts.Cache,
		upstreams: opts.Upstreams,
		reqlog:    opts.RequestLog,
		logger:    opts.Logger,
		now:       opts.Now,
		fillTTL:   opts.FillTimeout,
	}
	if g.reqlog == nil {
		g.reqlog = requestlog.NoopWriter{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.fillTTL <= 0 {
		g.fillTTL = DefaultFillTimeout
	}
	return g, nil
}

// Cache returns the underlying response cache.
func (g *Guard) Cache() *cache.Cache { return g.cache }

// Limiter returns the underlying rate limiter.
func (g *Guard) Limiter() *ratelimit.Limiter { return g.limiter }

// Upstreams returns the upstream registry.
func (g *Guard) Upstreams() *upstream.Registry { return g.upstreams }

// RequestLog returns the request log writer.
func (g *Guard) RequestLog() requestlog.Writer { return g.reqlog }

// Policy returns the quota that applies to endpoint.
func (g *Guard) Policy(endpoint string) (ratelimit.Policy, bool) {
	return g.policies.Resolve(endpoint)
}

// Usage reports the caller's live window for endpoint.
func (g *Guard) Usage(ctx context.Context, identifier, endpoint string) (*ratelimit.Usage, error) {
	return g.limiter.CurrentUsage(ctx, identifier, endpoint, g.now())
}

// Handle runs one request through admission, the cache and, on a miss, the
// upstream.
//
// A rejected request returns a Result whose Decision.Allowed is false and a
// nil error. When the limiter's store fails and the limiter fails closed the
// *ratelimit.StorageError is returned with the Decision. Cache storage
// failures are logged and treated as misses.
//
// Concurrent misses on one key share a single upstream call. Each caller
// waits on its own ctx; a caller that gives up does not fail the others.
func (g *Guard) Handle(ctx context.Context, req GenerateRequest) (Result, error) {
	start := time.Now()
	log := logging.FromContext(ctx)

	policy, ok := g.policies.Resolve(req.Endpoint)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrNoPolicy, req.Endpoint)
	}

	entry := requestlog.Entry{
		TraceID:    logging.TraceIDFromContext(ctx),
		Identifier: req.Identifier,
		Endpoint:   req.Endpoint,
		Model:      req.Model,
	}

	decision, err := g.limiter.AdmitPolicy(ctx, req.Identifier, req.Endpoint, g.now(), policy)
	var storageErr *ratelimit.StorageError
	switch {
	case errors.As(err, &storageErr):
		entry.FailedOpen = decision.FailedOpen
		if !decision.Allowed {
			metrics.RateLimitDecisions.WithLabelValues(req.Endpoint, "failed_closed").Inc()
			g.finish(ctx, start, entry, requestlog.OutcomeError, err)
			return Result{Decision: decision}, err
		}
		metrics.RateLimitDecisions.WithLabelValues(req.Endpoint, "failed_open").Inc()
		log.Warn("rate limiter unavailable, admitting request", "endpoint", req.Endpoint, "error", err)
	case err != nil:
		return Result{}, err
	case !decision.Allowed:
		metrics.RateLimitDecisions.WithLabelValues(req.Endpoint, "rejected").Inc()
		g.finish(ctx, start, entry, requestlog.OutcomeRejected, nil)
		return Result{Decision: decision}, nil
	default:
		metrics.RateLimitDecisions.WithLabelValues(req.Endpoint, "allowed").Inc()
	}

	key, err := CacheKey(req)
	if err != nil {
		g.finish(ctx, start, entry, requestlog.OutcomeError, err)
		return Result{Decision: decision}, err
	}
	entry.CacheKey = key
	res := Result{Decision: decision, CacheKey: key}

	cached, hits, lookupResult := g.lookup(ctx, key)
	metrics.CacheLookups.WithLabelValues(lookupResult).Inc()
	if lookupResult == lookupHit {
		res.Response, res.Cached, res.HitCount = cached, true, hits
		entry.Provider = cached.Provider
		entry.TokensUsed = cached.Usage.TotalTokens
		metrics.TokensSaved.Add(float64(cached.Usage.TotalTokens))
		g.finish(ctx, start, entry, requestlog.OutcomeHit, nil)
		return res, nil
	}

	var leader bool
	ch := g.flight.DoChan(key, func() (any, error) {
		leader = true
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.fillTTL)
		defer cancel()
		return g.fill(fctx, key, req)
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		err := ctx.Err()
		g.finish(ctx, start, entry, requestlog.OutcomeError, err)
		return res, err
	case r = <-ch:
	}
	if r.Err != nil {
		g.finish(ctx, start, entry, requestlog.OutcomeError, r.Err)
		return res, r.Err
	}
	f := r.Val.(filled)
	res.Response = f.resp
	entry.Provider = f.resp.Provider
	entry.TokensUsed = f.resp.Usage.TotalTokens
	if leader {
		res.HitCount = f.hits
		entry.CostUSD = f.cost
		g.finish(ctx, start, entry, requestlog.OutcomeMiss, nil)
		return res, nil
	}

	res.Shared = true
	res.HitCount = g.recordShared(ctx, key)
	if lookupResult == lookupMiss {
		metrics.CacheLookups.WithLabelValues(lookupShared).Inc()
	}
	metrics.TokensSaved.Add(float64(f.resp.Usage.TotalTokens))
	g.finish(ctx, start, entry, requestlog.OutcomeShared, nil)
	return res, nil
}

// recordShared counts a hit on the entry the shared call stored, so the
// saved upstream call shows up in Stats. It returns the new hit count, or 0
// when the entry could not be read.
func (g *Guard) recordShared(ctx context.Context, key string) int64 {
	e, err := g.cache.Get(ctx, key)
	switch {
	case errors.Is(err, cache.ErrMiss):
		return 0
	case err != nil:
		metrics.CacheStorageErrors.WithLabelValues("get").Inc()
		logging.FromContext(ctx).Warn("cache hit accounting failed for shared response", "cache_key", key, "error", err)
		return 0
	}
	return e.HitCount
}

// CacheKey returns the cache key Handle uses for req.
func CacheKey(req GenerateRequest) (string, error) {
	return cache.Fingerprint(req.Prompt, req.Model, fingerprintParams(req))
}

// fingerprintParams folds the system prompt into the params so that two
// requests differing only in their system prompt get different keys.
func fingerprintParams(req GenerateRequest) map[string]any {
	if req.System == "" {
		return req.Params
	}
	p := make(map[string]any, len(req.Params)+1)
	maps.Copy(p, req.Params)
	p["_system"] = req.System
	return p
}

// Cache lookup results, used as the aiguard_cache_lookups_total label.
// lookupShared is counted on top of a miss for callers served by another
// request's upstream call.
const (
	lookupHit    = "hit"
	lookupMiss   = "miss"
	lookupError  = "error"
	lookupShared = "shared"
)

// lookup returns the cached response for key and the lookup result. Storage
// failures and undecodable entries are logged and reported as lookupError;
// the caller treats them as misses.
func (g *Guard) lookup(ctx context.Context, key string) (*upstream.Response, int64, string) {
	e, err := g.cache.Get(ctx, key)
	switch {
	case errors.Is(err, cache.ErrMiss):
		return nil, 0, lookupMiss
	case err != nil:
		metrics.CacheStorageErrors.WithLabelValues("get").Inc()
		logging.FromContext(ctx).Warn("cache lookup failed, treating as miss", "cache_key", key, "error", err)
		return nil, 0, lookupError
	}

	var resp upstream.Response
	if err := json.Unmarshal(e.Response, &resp); err != nil {
		logging.FromContext(ctx).Warn("cached response is not decodable, treating as miss", "cache_key", key, "error", err)
		return nil, 0, lookupError
	}
	return &resp, e.HitCount, lookupHit
}

type filled struct {
	resp *upstream.Response
	cost float64
	hits int64
}

// fill calls the upstream and stores its response. A failed Put is logged;
// the caller still gets the fresh response.
func (g *Guard) fill(ctx context.Context, key string, req GenerateRequest) (filled, error) {
	client, err := g.upstreams.Resolve(req.Model)
	if err != nil {
		return filled{}, err
	}
	resp, err := client.Generate(ctx, upstream.Request{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Params: req.Params,
	})
	if err != nil {
		return filled{}, fmt.Errorf("upstream %s: %w", client.Name(), err)
	}

	f := filled{resp: resp}
	tokens := resp.Usage.TotalTokens
	put := cache.PutParams{
		Key:        key,
		PromptHash: cache.PromptHash(req.Prompt),
		Model:      req.Model,
		TokensUsed: &tokens,
		TTL:        req.CacheTTL,
	}
	if cost, ok := upstream.EstimateCost(resp.Provider, resp.Model, resp.Usage); ok {
		f.cost = cost
		put.CostUSD = &cost
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return f, fmt.Errorf("encode upstream response: %w", err)
	}
	put.Response = raw

	stored, err := g.cache.Put(ctx, put)
	if err != nil {
		metrics.CacheStorageErrors.WithLabelValues("put").Inc()
		logging.FromContext(ctx).Warn("cache put failed", "cache_key", key, "error", err)
		return f, nil
	}
	f.hits = stored.HitCount
	return f, nil
}

func (g *Guard) finish(ctx context.Context, start time.Time, e requestlog.Entry, outcome string, err error) {
	elapsed := time.Since(start)
	metrics.RequestsTotal.WithLabelValues(e.Endpoint, outcome).Inc()
	metrics.RequestDuration.WithLabelValues(e.Endpoint, outcome).Observe(elapsed.Seconds())

	e.Outcome = outcome
	e.LatencyMS = elapsed.Milliseconds()
	e.CreatedAt = g.now().UTC()
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	if werr := g.reqlog.Write(context.WithoutCancel(ctx), e); werr != nil {
		logging.FromContext(ctx).Warn("request log write failed", "error", werr)
	}
}

// Close releases every store the Guard owns.
func (g *Guard) Close() error {
	errs := []error{g.cache.Close(), g.limiter.Close()}
	for _, c := range g.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
