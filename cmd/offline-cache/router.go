package main

import (
	"context"
	"io"
	"net/http"
	"time"

	offlinecache "github.com/always-cache/offline-cache"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

const installPath = "/.offline-cache/install"

// newRouter routes health checks, metrics and the install trigger,
// everything else is handled by the manager.
// Installs triggered over HTTP run until ctx is done.
func newRouter(ctx context.Context, manager *offlinecache.Manager, registry *prometheus.Registry) (http.Handler, error) {
	collector := NewMetricsCollector(manager)
	if err := registry.Register(collector); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		state := manager.State()
		if state != offlinecache.StateActive {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		io.WriteString(w, state.String())
	})
	r.Get("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Post(installPath, func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)
		go func() {
			if err := manager.Install(ctx); err != nil {
				logger.Error().Err(err).Msg("Triggered install failed")
			}
		}()
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "Installing all resources...")
	})

	site := collector.Instrument(manager)
	r.NotFound(site.ServeHTTP)
	r.MethodNotAllowed(site.ServeHTTP)
	return r, nil
}
