package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Config holds metrics configuration.
type Config struct {
	EnableBranchLabel bool
}

// Metrics holds all tree metrics.
type Metrics struct {
	config              Config
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	chunkSealsTotal   *prometheus.CounterVec
	chunkSealDuration *prometheus.HistogramVec
	chunkSealErrors   *prometheus.CounterVec
	chunkSealBytes    *prometheus.CounterVec

	dedupHitsTotal *prometheus.CounterVec

	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec

	commitTotal    *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
	commitErrors   *prometheus.CounterVec

	backendOperationsTotal *prometheus.CounterVec
	backendOperationErrors *prometheus.CounterVec

	bufferPoolHits   *prometheus.CounterVec
	bufferPoolMisses *prometheus.CounterVec

	openTrees                   prometheus.Gauge
	goroutines                  prometheus.Gauge
	memoryAllocBytes            prometheus.Gauge
	memorySysBytes              prometheus.Gauge
	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableBranchLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// This is useful for testing to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableBranchLabel: true})
}

// newMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests to the operational surface",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		chunkSealsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_seals_total",
				Help: "Total number of chunks sealed (encrypted and packed) into objects",
			},
			[]string{"kind"}, // "storage" or "index"
		),
		chunkSealDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunk_seal_duration_seconds",
				Help:    "Chunk seal (convergent-encrypt) duration in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"kind"},
		),
		chunkSealErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_seal_errors_total",
				Help: "Total number of chunk seal/unseal errors",
			},
			[]string{"operation", "error_type"}, // operation: "seal" or "unseal"
		),
		chunkSealBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_seal_bytes_total",
				Help: "Total plaintext bytes sealed into chunks",
			},
			[]string{"kind"},
		),
		dedupHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dedup_hits_total",
				Help: "Total number of chunk writes short-circuited by the writer pool's convergent-dedup index",
			},
			[]string{"kind"},
		),
		cacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of object cache hits, by tier",
			},
			[]string{"tier"}, // "memory", "local", "remote"
		),
		cacheMissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of object cache misses that fell through to the backend",
			},
			[]string{"tier"},
		),
		commitTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commits_total",
				Help: "Total number of commits appended to a branch",
			},
			[]string{"branch"},
		),
		commitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "commit_duration_seconds",
				Help:    "Commit duration in seconds, from field flush to branch-table swap",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"branch"},
		),
		commitErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commit_errors_total",
				Help: "Total number of commit failures, including lost compare-and-swap races",
			},
			[]string{"branch", "error_type"},
		),
		backendOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_operations_total",
				Help: "Total number of backend storage operations",
			},
			[]string{"operation"}, // "read", "write", "cas", "list"
		),
		backendOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_operation_errors_total",
				Help: "Total number of backend storage operation errors",
			},
			[]string{"operation", "error_type"},
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_pool_hits_total",
				Help: "Total number of buffer pool hits",
			},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_pool_misses_total",
				Help: "Total number of buffer pool misses",
			},
			[]string{"size_class"},
		),
		openTrees: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "open_trees",
				Help: "Number of currently open Tree instances in this process",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hardware_acceleration_enabled",
				Help: "Hardware acceleration status (1=enabled, 0=disabled)",
			},
			[]string{"type"},
		),
	}
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// GetHardwareAccelerationEnabledMetric returns the hardware acceleration enabled metric (for testing).
func (m *Metrics) GetHardwareAccelerationEnabledMetric() *prometheus.GaugeVec {
	return m.hardwareAccelerationEnabled
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	label := sanitizePathLabel(path)
	labels := prometheus.Labels{"method": method, "path": label, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.httpRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.httpRequestsTotal.With(labels).Inc()
		}

		if observer, ok := m.httpRequestDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.httpRequestDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.httpRequestsTotal.With(labels).Inc()
		m.httpRequestDuration.With(labels).Observe(duration.Seconds())
	}

	m.httpRequestBytes.WithLabelValues(method, label).Add(float64(bytes))
}

// sanitizePathLabel reduces high-cardinality paths to stable labels.
func sanitizePathLabel(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	return "/" + segs[0] + "/*"
}

// RecordChunkSeal records a chunk convergent-encryption (seal) operation.
func (m *Metrics) RecordChunkSeal(ctx context.Context, kind string, duration time.Duration, plaintextBytes int64) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.chunkSealsTotal.WithLabelValues(kind).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.chunkSealsTotal.WithLabelValues(kind).Inc()
		}

		if observer, ok := m.chunkSealDuration.WithLabelValues(kind).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.chunkSealDuration.WithLabelValues(kind).Observe(duration.Seconds())
		}
	} else {
		m.chunkSealsTotal.WithLabelValues(kind).Inc()
		m.chunkSealDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}

	m.chunkSealBytes.WithLabelValues(kind).Add(float64(plaintextBytes))
}

// RecordChunkSealError records a chunk seal or unseal failure.
func (m *Metrics) RecordChunkSealError(ctx context.Context, operation, errorType string) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.chunkSealErrors.WithLabelValues(operation, errorType).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.chunkSealErrors.WithLabelValues(operation, errorType).Inc()
		}
	} else {
		m.chunkSealErrors.WithLabelValues(operation, errorType).Inc()
	}
}

// RecordDedupHit records a writer-pool dedup-index short-circuit, where a
// chunk's plaintext hash already mapped to a stored ChunkPointer.
func (m *Metrics) RecordDedupHit(kind string) {
	m.dedupHitsTotal.WithLabelValues(kind).Inc()
}

// RecordCacheHit records an object cache hit at the given tier.
func (m *Metrics) RecordCacheHit(tier string) {
	m.cacheHitsTotal.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records an object cache miss that fell through to the backend.
func (m *Metrics) RecordCacheMiss(tier string) {
	m.cacheMissesTotal.WithLabelValues(tier).Inc()
}

// RecordCommit records a successful commit.
func (m *Metrics) RecordCommit(ctx context.Context, branch string, duration time.Duration) {
	branchLabel := branch
	if !m.config.EnableBranchLabel {
		branchLabel = "*"
	}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.commitTotal.WithLabelValues(branchLabel).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.commitTotal.WithLabelValues(branchLabel).Inc()
		}

		if observer, ok := m.commitDuration.WithLabelValues(branchLabel).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.commitDuration.WithLabelValues(branchLabel).Observe(duration.Seconds())
		}
	} else {
		m.commitTotal.WithLabelValues(branchLabel).Inc()
		m.commitDuration.WithLabelValues(branchLabel).Observe(duration.Seconds())
	}
}

// RecordCommitError records a commit failure (including a lost CAS race).
func (m *Metrics) RecordCommitError(ctx context.Context, branch, errorType string) {
	branchLabel := branch
	if !m.config.EnableBranchLabel {
		branchLabel = "*"
	}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.commitErrors.WithLabelValues(branchLabel, errorType).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.commitErrors.WithLabelValues(branchLabel, errorType).Inc()
		}
	} else {
		m.commitErrors.WithLabelValues(branchLabel, errorType).Inc()
	}
}

// RecordBackendOperation records a backend storage operation.
func (m *Metrics) RecordBackendOperation(operation string) {
	m.backendOperationsTotal.WithLabelValues(operation).Inc()
}

// RecordBackendError records a backend storage operation error.
func (m *Metrics) RecordBackendError(operation, errorType string) {
	m.backendOperationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordBufferPoolHit records a buffer pool hit.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a buffer pool miss.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementOpenTrees increments the open trees gauge.
func (m *Metrics) IncrementOpenTrees() {
	m.openTrees.Inc()
}

// DecrementOpenTrees decrements the open trees gauge.
func (m *Metrics) DecrementOpenTrees() {
	m.openTrees.Dec()
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts trace ID from context and returns prometheus Labels for exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
