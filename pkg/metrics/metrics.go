// Package metrics provides Prometheus collectors for the storage API: tenant
// cache behaviour, migration outcomes and HTTP request accounting.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing,
// so components can be constructed without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	coalescedLoads  prometheus.Counter
	migrationsTotal *prometheus.CounterVec
	migrationTime   prometheus.Histogram
	warmDuration    prometheus.Gauge

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_tenant_cache_hits_total",
			Help: "Tenant config lookups answered from the in-memory cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_tenant_cache_misses_total",
			Help: "Tenant config lookups that required a store read",
		}),
		coalescedLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_tenant_cache_coalesced_total",
			Help: "Tenant config lookups that joined an in-flight load",
		}),
		migrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_tenant_migrations_total",
				Help: "Tenant schema migration runs by result",
			},
			[]string{"result"},
		),
		migrationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storage_tenant_migration_duration_seconds",
			Help:    "Duration of tenant schema migration runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		warmDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storage_tenant_warm_duration_seconds",
			Help: "Duration of the last startup warm pass",
		}),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(
		m.cacheHits,
		m.cacheMisses,
		m.coalescedLoads,
		m.migrationsTotal,
		m.migrationTime,
		m.warmDuration,
		m.requestsTotal,
		m.requestDuration,
	)
	return m
}

// RegisterCacheSize exposes the current number of cached tenant configs.
func (m *Metrics) RegisterCacheSize(size func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "storage_tenant_cache_entries",
		Help: "Number of tenant configs currently cached",
	}, func() float64 { return float64(size()) }))
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) Coalesced() {
	if m != nil {
		m.coalescedLoads.Inc()
	}
}

// ObserveMigration records one migration run.
func (m *Metrics) ObserveMigration(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.migrationsTotal.WithLabelValues(result).Inc()
	m.migrationTime.Observe(d.Seconds())
}

// ObserveWarm records the duration of a warm pass.
func (m *Metrics) ObserveWarm(d time.Duration) {
	if m != nil {
		m.warmDuration.Set(d.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// Middleware records request counts and latencies labelled by the chi route
// pattern, so path parameters such as bucket names do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
