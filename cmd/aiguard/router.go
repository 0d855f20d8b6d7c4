package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lorma-edu/aiguard"
	"github.com/lorma-edu/aiguard/internal/admin"
	"github.com/lorma-edu/aiguard/internal/logging"
	"github.com/lorma-edu/aiguard/internal/requestlog"
	"github.com/lorma-edu/aiguard/internal/version"
)

type routerDeps struct {
	Guard         *aiguard.Guard
	Keys          admin.Store
	RequireAPIKey bool
	CORSOrigins   []string
	// Now is passed to the admin handlers; nil means time.Now.
	Now func() time.Time
}

// newRouter builds the HTTP router.
func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(logging.AccessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(d.CORSOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"version":   version.Get(),
			"upstreams": d.Guard.Upstreams().Names(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(admin.Identify(d.Keys, d.RequireAPIKey))
		r.Post("/generate", generateHandler(d.Guard))
		r.Get("/usage", usageHandler(d.Guard))
	})

	adminHandlers := &admin.Handlers{
		Keys:    d.Keys,
		Cache:   d.Guard.Cache(),
		Limiter: d.Guard.Limiter(),
		Now:     d.Now,
	}
	if lr, ok := d.Guard.RequestLog().(requestlog.Reader); ok {
		adminHandlers.Logs = lr
	}
	if lm, ok := d.Guard.RequestLog().(requestlog.Maintainer); ok {
		adminHandlers.LogAdmin = lm
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.AuthMiddleware(d.Keys))
		r.Mount("/", adminHandlers.Routes())
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
