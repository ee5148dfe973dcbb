package main

import (
	"net/http"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "offline_cache"

// Collector is a prometheus.Collector for site responses and the install state.
type Collector struct {
	responses        *prometheus.CounterVec
	responseDuration *prometheus.HistogramVec
	active           prometheus.GaugeFunc
}

// NewMetricsCollector returns a new Collector reporting on manager.
func NewMetricsCollector(manager *offlinecache.Manager) *Collector {
	return &Collector{
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "responses_total",
				Help:      "The number of site responses by cache status and forward reason.",
			}, []string{"status", "fwd"},
		),
		responseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "response_duration_seconds",
				Help:      "The time taken to respond to site requests.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"status"},
		),
		active: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active",
				Help:      "Whether an install completed and responses are served from storage.",
			},
			func() float64 {
				if manager.State() == offlinecache.StateActive {
					return 1
				}
				return 0
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.responses.Describe(ch)
	c.responseDuration.Describe(ch)
	c.active.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.responses.Collect(ch)
	c.responseDuration.Collect(ch)
	c.active.Collect(ch)
}

// Instrument counts the responses of next by their Cache-Status header.
func (c *Collector) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		_, status := cachestatus.Parse(ww.Header().Get(cachestatus.HeaderName))
		c.responses.WithLabelValues(string(status.Status), string(status.FwdReason)).Inc()
		c.responseDuration.WithLabelValues(string(status.Status)).Observe(time.Since(start).Seconds())
	})
}
