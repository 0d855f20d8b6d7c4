// Package admin provides API key authentication and the HTTP handlers of the
// aiguard administration API: cache statistics and maintenance, rate-limit
// inspection, request logs and key management. Admin routes are protected by
// bearer-token authentication via AuthMiddleware.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorma-edu/aiguard/cache"
	"github.com/lorma-edu/aiguard/internal/logging"
	"github.com/lorma-edu/aiguard/internal/metrics"
	"github.com/lorma-edu/aiguard/internal/requestlog"
	"github.com/lorma-edu/aiguard/ratelimit"
)

// Handlers holds dependencies for admin HTTP handlers. Logs and LogAdmin
// may be nil when the request log is disabled.
type Handlers struct {
	Keys     Store
	Cache    *cache.Cache
	Limiter  *ratelimit.Limiter
	Logs     requestlog.Reader
	LogAdmin requestlog.Maintainer
	// Now defaults to time.Now.
	Now func() time.Time
}

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	// Read-only endpoints (accessible with read-only or admin scope).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeReadOnly))
		r.Get("/cache/stats", h.cacheStats)
		r.Get("/cache/{key}", h.inspectEntry)
		r.Get("/ratelimit/usage", h.usage)
		r.Get("/ratelimit/history", h.history)
		r.Get("/logs", h.listLogs)
		r.Get("/keys", h.listKeys)
	})

	// Write endpoints (admin scope only).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeAdmin))
		r.Post("/cache/sweep", h.sweep)
		r.Delete("/cache/{key}", h.deleteEntry)
		r.Delete("/cache", h.purge)
		r.Post("/ratelimit/prune", h.prune)
		r.Delete("/logs", h.deleteLogs)
		r.Post("/keys", h.createKey)
		r.Post("/keys/{id}/revoke", h.revokeKey)
	})

	return r
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps component errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cache.ErrMiss):
		WriteError(w, http.StatusNotFound, "cache entry not found", "", "cache_miss")
	case errors.Is(err, ratelimit.ErrNoWindow):
		WriteError(w, http.StatusNotFound, "no live rate limit window", "", "no_window")
	case errors.Is(err, cache.ErrInvalidKey), errors.Is(err, ratelimit.ErrInvalidKey):
		WriteError(w, http.StatusBadRequest, err.Error(), "", "invalid_key")
	case errors.Is(err, cache.ErrStorage), errors.Is(err, ratelimit.ErrStorage):
		logging.FromContext(r.Context()).Error("admin storage failure", "path", r.URL.Path, "error", err)
		WriteError(w, http.StatusServiceUnavailable, "storage unavailable", "", "storage_error")
	default:
		logging.FromContext(r.Context()).Error("admin request failed", "path", r.URL.Path, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal error", "", "internal_error")
	}
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (h *Handlers) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Cache.Stats(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) inspectEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Cache.Peek(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry": e,
		"live":  e.IsLive(h.now()),
	})
}

func (h *Handlers) sweep(w http.ResponseWriter, r *http.Request) {
	removed, err := h.Cache.SweepExpired(r.Context(), h.now())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	metrics.CacheSweptEntries.Add(float64(removed))
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *Handlers) deleteEntry(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Cache.Delete(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if !ok {
		WriteError(w, http.StatusNotFound, "cache entry not found", "", "cache_miss")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) purge(w http.ResponseWriter, r *http.Request) {
	removed, err := h.Cache.Purge(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *Handlers) usage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	u, err := h.Limiter.CurrentUsage(r.Context(), q.Get("identifier"), q.Get("endpoint"), h.now())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handlers) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		limit = parsed
	}
	windows, err := h.Limiter.History(r.Context(), q.Get("identifier"), q.Get("endpoint"), limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if windows == nil {
		windows = []ratelimit.Window{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": windows})
}

func (h *Handlers) prune(w http.ResponseWriter, r *http.Request) {
	before, err := parseTimeParam(r, "before")
	if err != nil || before == nil {
		WriteError(w, http.StatusBadRequest, "before is required and must be RFC3339 format", "invalid_request_error", "invalid_request")
		return
	}
	removed, err := h.Limiter.PruneBefore(r.Context(), *before)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	metrics.RateLimitPruned.Add(float64(removed))
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	if h.Logs == nil {
		WriteError(w, http.StatusNotImplemented, "request log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	q := r.URL.Query()

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		limit = min(parsed, 200)
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			WriteError(w, http.StatusBadRequest, "invalid offset: must be a non-negative integer", "invalid_request_error", "invalid_request")
			return
		}
		offset = parsed
	}
	since, err := parseTimeParam(r, "since")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid since: must be RFC3339 format", "invalid_request_error", "invalid_request")
		return
	}

	result, err := h.Logs.List(r.Context(), requestlog.Query{
		Limit:      limit,
		Offset:     offset,
		Outcome:    q.Get("outcome"),
		Identifier: q.Get("identifier"),
		Endpoint:   q.Get("endpoint"),
		Since:      since,
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if result.Data == nil {
		result.Data = []requestlog.Entry{}
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) deleteLogs(w http.ResponseWriter, r *http.Request) {
	if h.LogAdmin == nil {
		WriteError(w, http.StatusNotImplemented, "request log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	before, err := parseTimeParam(r, "before")
	if err != nil || before == nil {
		WriteError(w, http.StatusBadRequest, "before is required and must be RFC3339 format", "invalid_request_error", "invalid_request")
		return
	}
	deleted, err := h.LogAdmin.Delete(r.Context(), requestlog.MaintenanceQuery{
		Before:  before,
		Outcome: r.URL.Query().Get("outcome"),
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h *Handlers) listKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.Keys.List()})
}

type createKeyRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_request")
		return
	}
	for _, s := range req.Scopes {
		switch s {
		case ScopeAdmin, ScopeReadOnly, ScopeGenerate:
		default:
			WriteError(w, http.StatusBadRequest, "unknown scope: "+s, "invalid_request_error", "invalid_scope")
			return
		}
	}
	key, err := h.Keys.Create(req.Name, req.Scopes, req.ExpiresAt)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (h *Handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	if err := h.Keys.Revoke(chi.URLParam(r, "id")); err != nil {
		WriteError(w, http.StatusNotFound, err.Error(), "", "key_not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
