package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for strata. All record methods are
// safe on a nil receiver so callers never have to guard.
type Metrics struct {
	config MetricsConfig

	// Cache metrics
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	corruptEntries *prometheus.CounterVec

	// Compute metrics
	computeDuration *prometheus.HistogramVec
	computeErrors   *prometheus.CounterVec

	// Planner metrics
	plansResolved prometheus.Counter

	// Store metrics
	saveBytes prometheus.Counter
	loadBytes prometheus.Counter
	lockWait  prometheus.Histogram

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of cache hits by source",
			},
			[]string{"source"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses by reason",
			},
			[]string{"reason"},
		),
		corruptEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "corrupt_entries_total",
				Help:      "Total number of cache entries that failed validation",
			},
			[]string{"problem"},
		),

		computeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compute_duration_seconds",
				Help:      "Duration of producer compute calls in seconds",
				Buckets:   buckets,
			},
			[]string{"data_name"},
		),
		computeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compute_errors_total",
				Help:      "Total number of failed producer compute calls",
			},
			[]string{"data_name"},
		),

		plansResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_resolved_total",
				Help:      "Total number of execution plans resolved",
			},
		),

		saveBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_save_bytes_total",
				Help:      "Total bytes written to the content store",
			},
		),
		loadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_load_bytes_total",
				Help:      "Total bytes read from the content store",
			},
		),
		lockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_lock_wait_seconds",
				Help:      "Time spent waiting for per-key write locks",
				Buckets:   buckets,
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.cacheHits,
		m.cacheMisses,
		m.corruptEntries,
		m.computeDuration,
		m.computeErrors,
		m.plansResolved,
		m.saveBytes,
		m.loadBytes,
		m.lockWait,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Cache Metrics

// IncCacheHit records a cache hit from the given source (memory, disk).
func (m *Metrics) IncCacheHit(source string) {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.WithLabelValues(source).Inc()
}

// IncCacheMiss records a cache miss with its reason.
func (m *Metrics) IncCacheMiss(reason string) {
	if m == nil || m.cacheMisses == nil {
		return
	}
	m.cacheMisses.WithLabelValues(reason).Inc()
}

// IncCorruptEntries records a cache entry that failed validation.
func (m *Metrics) IncCorruptEntries(problem string) {
	if m == nil || m.corruptEntries == nil {
		return
	}
	m.corruptEntries.WithLabelValues(problem).Inc()
}

// Compute Metrics

// ObserveComputeDuration records the duration of a producer compute call.
func (m *Metrics) ObserveComputeDuration(dataName string, duration time.Duration) {
	if m == nil || m.computeDuration == nil {
		return
	}
	m.computeDuration.WithLabelValues(dataName).Observe(duration.Seconds())
}

// IncComputeErrors records a failed producer compute call.
func (m *Metrics) IncComputeErrors(dataName string) {
	if m == nil || m.computeErrors == nil {
		return
	}
	m.computeErrors.WithLabelValues(dataName).Inc()
}

// Planner Metrics

// IncPlansResolved records a resolved execution plan.
func (m *Metrics) IncPlansResolved() {
	if m == nil || m.plansResolved == nil {
		return
	}
	m.plansResolved.Inc()
}

// Store Metrics

// AddSaveBytes records bytes written to the content store.
func (m *Metrics) AddSaveBytes(n int64) {
	if m == nil || m.saveBytes == nil {
		return
	}
	m.saveBytes.Add(float64(n))
}

// AddLoadBytes records bytes read from the content store.
func (m *Metrics) AddLoadBytes(n int64) {
	if m == nil || m.loadBytes == nil {
		return
	}
	m.loadBytes.Add(float64(n))
}

// ObserveLockWait records time spent waiting for a per-key write lock.
func (m *Metrics) ObserveLockWait(duration time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
