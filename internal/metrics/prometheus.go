package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Prometheus metric names, with the default namespace.
const (
	MetricRequestsTotal          = "loadgen_requests_total"
	MetricRequestDurationSeconds = "loadgen_request_duration_seconds"
	MetricResponseBytesTotal     = "loadgen_response_bytes_total"
	MetricJourneysTotal          = "loadgen_journeys_total"
	MetricPurchasesTotal         = "loadgen_purchases_total"
	MetricBrowseIterationsTotal  = "loadgen_browse_iterations_total"
	MetricActiveUsers            = "loadgen_active_users"
	MetricCurrentQPS             = "loadgen_current_qps"
	MetricSuccessRate            = "loadgen_success_rate"
)

// Journey outcome label values.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
)

// PrometheusExporter exports load test metrics on an HTTP endpoint that
// Prometheus can scrape while the test runs.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type PrometheusExporter struct {
	mu sync.RWMutex

	config   PrometheusExporterConfig
	registry *prometheus.Registry

	requestsTotal          *prometheus.CounterVec
	requestDurationSeconds *prometheus.HistogramVec
	responseBytesTotal     prometheus.Counter
	journeysTotal          *prometheus.CounterVec
	purchasesTotal         prometheus.Counter
	browseIterationsTotal  prometheus.Counter
	activeUsers            prometheus.Gauge
	currentQPS             prometheus.Gauge
	successRate            prometheus.Gauge

	server *http.Server
	ln     net.Listener

	running   bool
	lastError error
}

// PrometheusExporterConfig holds configuration for the Prometheus exporter.
type PrometheusExporterConfig struct {
	// Port is the HTTP port for the metrics endpoint.
	// Default: 9090
	Port int

	// ListenAddr overrides Port with a full listen address, e.g.
	// "127.0.0.1:0".
	ListenAddr string

	// Path is the URL path for the metrics endpoint.
	// Default: /metrics
	Path string

	// Namespace is the prefix for all metrics.
	// Default: "loadgen"
	Namespace string

	// HistogramBuckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	HistogramBuckets []float64
}

// DefaultPrometheusExporterConfig returns default configuration.
func DefaultPrometheusExporterConfig() PrometheusExporterConfig {
	return PrometheusExporterConfig{
		Port:             9090,
		Path:             "/metrics",
		Namespace:        "loadgen",
		HistogramBuckets: prometheus.DefBuckets,
	}
}

// NewPrometheusExporter creates a new Prometheus exporter.
func NewPrometheusExporter(config PrometheusExporterConfig) *PrometheusExporter {
	if config.Port == 0 {
		config.Port = 9090
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "loadgen"
	}
	if len(config.HistogramBuckets) == 0 {
		config.HistogramBuckets = prometheus.DefBuckets
	}

	exporter := &PrometheusExporter{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	exporter.initMetrics()

	return exporter
}

func (e *PrometheusExporter) initMetrics() {
	ns := e.config.Namespace

	e.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests sent to the store, by request name and status.",
		},
		[]string{"name", "method", "status", "success"},
	)

	e.requestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   e.config.HistogramBuckets,
		},
		[]string{"name"},
	)

	e.responseBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "response_bytes_total",
			Help:      "Total bytes received from all requests.",
		},
	)

	e.journeysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "journeys_total",
			Help:      "Total number of user journeys, by outcome.",
		},
		[]string{"outcome"},
	)

	e.purchasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "purchases_total",
			Help:      "Total number of journeys that checked out their cart.",
		},
	)

	e.browseIterationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "browse_iterations_total",
			Help:      "Total number of category browse iterations.",
		},
	)

	e.activeUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_users",
			Help:      "Number of currently active virtual users.",
		},
	)

	e.currentQPS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "current_qps",
			Help:      "Average requests per second since the test started.",
		},
	)

	e.successRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "success_rate",
			Help:      "Current request success rate (0.0-100.0).",
		},
	)

	e.registry.MustRegister(
		e.requestsTotal,
		e.requestDurationSeconds,
		e.responseBytesTotal,
		e.journeysTotal,
		e.purchasesTotal,
		e.browseIterationsTotal,
		e.activeUsers,
		e.currentQPS,
		e.successRate,
	)
}

// Start starts the HTTP server for the metrics endpoint.
func (e *PrometheusExporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	addr := e.config.ListenAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", e.config.Port)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("starting Prometheus exporter: %w", err)
	}
	e.ln = ln

	mux := http.NewServeMux()
	mux.Handle(e.config.Path, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.mu.Lock()
			e.lastError = err
			e.mu.Unlock()
		}
	}()

	e.running = true
	return nil
}

// Stop stops the HTTP server.
func (e *PrometheusExporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false

	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

// Record records a single request result.
func (e *PrometheusExporter) Record(result Result) {
	e.requestsTotal.WithLabelValues(
		result.Name,
		result.Method,
		strconv.Itoa(result.StatusCode),
		strconv.FormatBool(result.Success),
	).Inc()
	e.requestDurationSeconds.WithLabelValues(result.Name).Observe(result.Latency.Seconds())
	e.responseBytesTotal.Add(float64(result.ResponseSize))
}

// RecordJourney records the outcome of a journey.
func (e *PrometheusExporter) RecordJourney(result JourneyResult) {
	outcome := OutcomeCompleted
	if result.Aborted {
		outcome = OutcomeAborted
	}
	e.journeysTotal.WithLabelValues(outcome).Inc()
	if result.Purchased && !result.Aborted {
		e.purchasesTotal.Inc()
	}
	e.browseIterationsTotal.Add(float64(result.BrowseIterations))
}

// UpdateActiveUsers updates the active users gauge.
func (e *PrometheusExporter) UpdateActiveUsers(count int) {
	e.activeUsers.Set(float64(count))
}

// UpdateRates sets the throughput and success rate gauges.
func (e *PrometheusExporter) UpdateRates(qps, successRate float64) {
	e.currentQPS.Set(qps)
	e.successRate.Set(successRate)
}

// UpdateFromSnapshot updates the derived gauges from a collector snapshot.
func (e *PrometheusExporter) UpdateFromSnapshot(snapshot Snapshot) {
	e.UpdateRates(snapshot.QPS, snapshot.SuccessRate)
}

// GetPath returns the configured path.
func (e *PrometheusExporter) GetPath() string {
	return e.config.Path
}

// GetAddress returns the full URL of the metrics endpoint.
func (e *PrometheusExporter) GetAddress() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ln != nil {
		return "http://" + e.ln.Addr().String() + e.config.Path
	}
	return fmt.Sprintf("http://localhost:%d%s", e.config.Port, e.config.Path)
}

// LastError returns the last error from the HTTP server, if any.
func (e *PrometheusExporter) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}

// Gather collects all metrics from the registry.
func (e *PrometheusExporter) Gather() ([]*dto.MetricFamily, error) {
	return e.registry.Gather()
}
