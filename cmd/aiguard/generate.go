package main

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/lorma-edu/aiguard"
	"github.com/lorma-edu/aiguard/cache"
	"github.com/lorma-edu/aiguard/internal/admin"
	"github.com/lorma-edu/aiguard/internal/logging"
	"github.com/lorma-edu/aiguard/ratelimit"
	"github.com/lorma-edu/aiguard/upstream"
)

// maxBodyBytes caps POST /v1/generate bodies.
const maxBodyBytes = 1 << 20

type generateBody struct {
	Endpoint string         `json:"endpoint"`
	Model    string         `json:"model"`
	Prompt   string         `json:"prompt"`
	System   string         `json:"system,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	// CacheTTL is a Go duration string such as "10m".
	CacheTTL string `json:"cache_ttl,omitempty"`
}

type generateResponse struct {
	*upstream.Response
	Cached   bool   `json:"cached"`
	Shared   bool   `json:"shared,omitempty"`
	CacheKey string `json:"cache_key"`
	HitCount int64  `json:"hit_count,omitempty"`
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.FailedOpen || d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(d time.Duration) int64 {
	return max(int64(math.Ceil(d.Seconds())), 1)
}

// generateHandler handles POST /v1/generate.
func generateHandler(g *aiguard.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body generateBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			admin.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error", "invalid_request")
			return
		}
		req := aiguard.GenerateRequest{
			Identifier: admin.IdentifierFromContext(r.Context()),
			Endpoint:   body.Endpoint,
			Model:      body.Model,
			Prompt:     body.Prompt,
			System:     body.System,
			Params:     body.Params,
		}
		if body.CacheTTL != "" {
			ttl, err := time.ParseDuration(body.CacheTTL)
			if err != nil || ttl <= 0 {
				admin.WriteError(w, http.StatusBadRequest, "cache_ttl must be a positive duration", "invalid_request_error", "invalid_request")
				return
			}
			req.CacheTTL = ttl
		}

		res, err := g.Handle(r.Context(), req)
		if err != nil {
			writeGuardError(w, r, err)
			return
		}
		setRateLimitHeaders(w, res.Decision)
		if !res.Decision.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(res.Decision.RetryAfter), 10))
			admin.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded for endpoint "+req.Endpoint, "rate_limit_error", "rate_limit_exceeded")
			return
		}
		switch {
		case res.Cached:
			w.Header().Set("X-Cache", "HIT")
		case res.Shared:
			w.Header().Set("X-Cache", "SHARED")
		default:
			w.Header().Set("X-Cache", "MISS")
		}
		writeJSON(w, http.StatusOK, generateResponse{
			Response: res.Response,
			Cached:   res.Cached,
			Shared:   res.Shared,
			CacheKey: res.CacheKey,
			HitCount: res.HitCount,
		})
	}
}

func writeGuardError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, aiguard.ErrNoPolicy):
		admin.WriteError(w, http.StatusNotFound, err.Error(), "not_found_error", "unknown_endpoint")
	case errors.Is(err, ratelimit.ErrInvalidKey), errors.Is(err, cache.ErrInvalidKey):
		admin.WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
	case errors.Is(err, upstream.ErrNoUpstream):
		admin.WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "model_not_found")
	case errors.Is(err, upstream.ErrThrottled):
		var te *upstream.ThrottledError
		if errors.As(err, &te) {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(te.RetryAfter), 10))
		}
		admin.WriteError(w, http.StatusServiceUnavailable, "upstream is throttled", "server_error", "upstream_throttled")
	case errors.Is(err, ratelimit.ErrStorage):
		logging.FromContext(r.Context()).Error("rate limiter unavailable", "error", err)
		admin.WriteError(w, http.StatusServiceUnavailable, "rate limiter unavailable", "server_error", "rate_limiter_unavailable")
	default:
		logging.FromContext(r.Context()).Warn("generation failed", "error", err)
		admin.WriteError(w, http.StatusBadGateway, "upstream generation failed", "server_error", "upstream_error")
	}
}

// usageHandler handles GET /v1/usage?endpoint=. A caller with no live window
// sees an empty window sized by the endpoint's policy.
func usageHandler(g *aiguard.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Query().Get("endpoint")
		policy, ok := g.Policy(endpoint)
		if !ok {
			admin.WriteError(w, http.StatusNotFound, "no rate limit policy for endpoint "+strconv.Quote(endpoint), "not_found_error", "unknown_endpoint")
			return
		}
		u, err := g.Usage(r.Context(), admin.IdentifierFromContext(r.Context()), endpoint)
		switch {
		case errors.Is(err, ratelimit.ErrNoWindow):
			u = &ratelimit.Usage{Limit: policy.Limit, Remaining: policy.Limit}
		case err != nil:
			writeGuardError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}
