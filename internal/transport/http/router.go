// Package httptransport is the thin HTTP layer in front of the aggregator.
package httptransport

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"companyhub/pkg/platform/httputil"
	"companyhub/pkg/platform/middleware/caller"
	"companyhub/pkg/platform/middleware/metadata"
	"companyhub/pkg/platform/middleware/requesttime"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// RouterConfig collects what the router mounts besides the company handler.
type RouterConfig struct {
	DefaultTier string
	Gatherer    prometheus.Gatherer
	Health      map[string]HealthCheck
}

// NewRouter wires all public endpoints.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(metadata.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)

	r.Get("/healthz", healthHandler(cfg.Health))
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(caller.Middleware(cfg.DefaultTier))
		h.Register(r)
	})
	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failures := map[string]string{}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
