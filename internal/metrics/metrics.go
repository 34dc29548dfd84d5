package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec
	storeOperations     *prometheus.CounterVec
	storeDuration       *prometheus.HistogramVec
	storeErrors         *prometheus.CounterVec
	pipelineOperations  *prometheus.CounterVec
	pipelineDuration    *prometheus.HistogramVec
	pipelineErrors      *prometheus.CounterVec
	pipelineBytes       *prometheus.CounterVec
	overflowBytes       *prometheus.CounterVec
	keysGenerated       *prometheus.CounterVec
	validationFailures  *prometheus.CounterVec
	activeSessions      prometheus.Gauge
	activeConnections   prometheus.Gauge
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
	memorySysBytes      prometheus.Gauge
}

// NewMetrics creates a metrics instance on the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates a metrics instance on a custom registry.
// Tests pass a fresh prometheus.NewRegistry() for both arguments.
func NewMetricsWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
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
		storeOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of image store operations",
			},
			[]string{"operation", "backend"},
		),
		storeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Image store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operation_errors_total",
				Help: "Total number of image store errors",
			},
			[]string{"operation", "backend"},
		),
		pipelineOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_operations_total",
				Help: "Total number of pipeline stage executions",
			},
			[]string{"operation"}, // decode, validate, reconstruct, transform, keygen, encrypt, decrypt, emit, clean
		),
		pipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_duration_seconds",
				Help:    "Pipeline stage duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"operation"},
		),
		pipelineErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_errors_total",
				Help: "Total number of pipeline stage errors",
			},
			[]string{"operation", "error_type"},
		),
		pipelineBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_pixel_bytes_total",
				Help: "Total pixel bytes processed per stage",
			},
			[]string{"operation"},
		),
		overflowBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipher_overflow_bytes_total",
				Help: "Total overflow bytes appended after IEND",
			},
			[]string{"mode"},
		),
		keysGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keys_generated_total",
				Help: "Total number of RSA keypairs generated",
			},
			[]string{"size"},
		),
		validationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "validation_failures_total",
				Help: "Total number of structural validation failures by rule",
			},
			[]string{"rule"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_sessions",
				Help: "Number of cached encryption sessions",
			},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
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
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordStoreOperation records an image store operation.
func (m *Metrics) RecordStoreOperation(operation, backend string, duration time.Duration) {
	m.storeOperations.WithLabelValues(operation, backend).Inc()
	m.storeDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// RecordStoreError records a failed image store operation.
func (m *Metrics) RecordStoreError(operation, backend string) {
	m.storeErrors.WithLabelValues(operation, backend).Inc()
}

// RecordOperation records a successful pipeline stage.
func (m *Metrics) RecordOperation(operation string, duration time.Duration, bytes int64) {
	m.pipelineOperations.WithLabelValues(operation).Inc()
	m.pipelineDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.pipelineBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordError records a failed pipeline stage.
func (m *Metrics) RecordError(operation, errorType string) {
	m.pipelineErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordValidationFailure records the rule a rejected image violated.
func (m *Metrics) RecordValidationFailure(rule string) {
	m.validationFailures.WithLabelValues(rule).Inc()
}

// RecordOverflow records overflow bytes emitted for a cipher mode.
func (m *Metrics) RecordOverflow(mode string, bytes int) {
	m.overflowBytes.WithLabelValues(mode).Add(float64(bytes))
}

// RecordKeyGenerated records a generated keypair.
func (m *Metrics) RecordKeyGenerated(size int) {
	m.keysGenerated.WithLabelValues(strconv.Itoa(size)).Inc()
}

// SetActiveSessions sets the session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector periodically updates system metrics until
// stop is closed.
func (m *Metrics) StartSystemMetricsCollector(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
