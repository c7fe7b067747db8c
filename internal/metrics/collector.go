// Package metrics collects request and journey statistics for the load
// generator and reports them on the console, as JSON and to Prometheus.
package metrics

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder receives the result of every request a session sends.
type Recorder interface {
	Record(result Result)
}

// JourneyRecorder receives the outcome of every journey a user runs.
type JourneyRecorder interface {
	RecordJourney(result JourneyResult)
}

// Result represents the result of a single request.
type Result struct {
	// Name groups requests in statistics, e.g. "category" or "login".
	Name         string
	Method       string
	Path         string
	StatusCode   int
	Latency      time.Duration
	Success      bool
	ResponseSize int64
	Timestamp    time.Time
	Error        error
}

// JourneyResult represents the outcome of one user journey.
type JourneyResult struct {
	UserID           string
	Username         string
	BrowseIterations int
	Purchased        bool
	Requests         int
	Failures         int
	Duration         time.Duration
	// Aborted is set when a transport error or cancellation cut the
	// journey short.
	Aborted bool
}

// Collector aggregates load test metrics.
// It provides:
// - Request counts (total, success, failure)
// - Latency distribution (min, avg, p50, p95, p99, max)
// - Per-request-name breakdown
// - Journey counters (completed, aborted, purchases, browse iterations)
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type Collector struct {
	mu sync.RWMutex

	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	totalBytes      atomic.Int64

	journeysCompleted atomic.Int64
	journeysAborted   atomic.Int64
	purchases         atomic.Int64
	browseIterations  atomic.Int64

	// Latency samples in nanoseconds
	latencies    []int64
	latencyMu    sync.RWMutex
	maxLatencies int

	requestStats   map[string]*RequestStats
	requestStatsMu sync.RWMutex

	statusCodes   map[int]int64
	statusCodesMu sync.RWMutex

	startTime time.Time
	endTime   time.Time

	config CollectorConfig
}

// CollectorConfig holds configuration for the metrics collector.
type CollectorConfig struct {
	// MaxLatencies is the maximum number of latency samples to retain
	// for percentile calculations. Default: 100000.
	MaxLatencies int

	// EnableRequestStats enables per-request-name statistics.
	// Default: true
	EnableRequestStats bool
}

const (
	defaultMaxLatencies        = 100000
	defaultRequestMaxLatencies = 10000
)

// DefaultCollectorConfig returns default configuration.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		MaxLatencies:       defaultMaxLatencies,
		EnableRequestStats: true,
	}
}

// RequestStats holds statistics for a single request name.
type RequestStats struct {
	mu sync.RWMutex

	Name             string
	TotalRequests    int64
	SuccessRequests  int64
	FailedRequests   int64
	TotalLatencyNs   int64
	MinLatency       time.Duration
	MaxLatency       time.Duration
	TotalBytes       int64
	latencies        []int64
	maxLatencySample int
}

// Snapshot represents a point-in-time snapshot of all metrics.
type Snapshot struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	TotalBytes      int64

	MinLatency time.Duration
	AvgLatency time.Duration
	P50Latency time.Duration
	P95Latency time.Duration
	P99Latency time.Duration
	MaxLatency time.Duration

	SuccessRate float64 // 0.0 - 100.0 percentage
	QPS         float64

	JourneysCompleted int64
	JourneysAborted   int64
	Purchases         int64
	BrowseIterations  int64
	PurchaseRate      float64 // 0.0 - 100.0 percentage of completed journeys

	StatusCodes  map[int]int64
	RequestStats map[string]*RequestSnapshot
}

// Journeys returns the number of journeys that ended, aborted or not.
func (s Snapshot) Journeys() int64 {
	return s.JourneysCompleted + s.JourneysAborted
}

// RequestSnapshot represents a snapshot of per-request-name statistics.
type RequestSnapshot struct {
	Name            string
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	TotalBytes      int64
	MinLatency      time.Duration
	AvgLatency      time.Duration
	P50Latency      time.Duration
	P95Latency      time.Duration
	P99Latency      time.Duration
	MaxLatency      time.Duration
	SuccessRate     float64
	QPS             float64
}

// NewCollector creates a new metrics collector.
func NewCollector(config CollectorConfig) *Collector {
	if config.MaxLatencies <= 0 {
		config.MaxLatencies = defaultMaxLatencies
	}

	return &Collector{
		latencies:    make([]int64, 0, config.MaxLatencies),
		maxLatencies: config.MaxLatencies,
		requestStats: make(map[string]*RequestStats),
		statusCodes:  make(map[int]int64),
		config:       config,
	}
}

// Start marks the beginning of metrics collection.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTime = time.Now()
}

// Stop marks the end of metrics collection.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endTime = time.Now()
}

// Record records a request result.
func (c *Collector) Record(result Result) {
	c.totalRequests.Add(1)
	if result.Success {
		c.successRequests.Add(1)
	} else {
		c.failedRequests.Add(1)
	}
	c.totalBytes.Add(result.ResponseSize)

	c.recordLatency(result.Latency.Nanoseconds())

	if result.StatusCode > 0 {
		c.recordStatusCode(result.StatusCode)
	}

	if c.config.EnableRequestStats && result.Name != "" {
		c.recordRequestResult(result)
	}
}

// RecordJourney records the outcome of a journey. A purchase counts only
// when the journey completed; an aborted journey may have sent its
// checkout without the store confirming it.
func (c *Collector) RecordJourney(result JourneyResult) {
	if result.Aborted {
		c.journeysAborted.Add(1)
	} else {
		c.journeysCompleted.Add(1)
		if result.Purchased {
			c.purchases.Add(1)
		}
	}
	c.browseIterations.Add(int64(result.BrowseIterations))
}

// recordLatency adds a latency sample. When capacity is exceeded the
// older half of the window is discarded.
func (c *Collector) recordLatency(latencyNs int64) {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()

	if len(c.latencies) >= c.maxLatencies {
		halfSize := c.maxLatencies / 2
		c.latencies = c.latencies[len(c.latencies)-halfSize:]
	}

	c.latencies = append(c.latencies, latencyNs)
}

func (c *Collector) recordStatusCode(code int) {
	c.statusCodesMu.Lock()
	defer c.statusCodesMu.Unlock()
	c.statusCodes[code]++
}

func (c *Collector) recordRequestResult(result Result) {
	c.requestStatsMu.Lock()
	stats, ok := c.requestStats[result.Name]
	if !ok {
		stats = &RequestStats{
			Name:             result.Name,
			latencies:        make([]int64, 0, 64),
			maxLatencySample: defaultRequestMaxLatencies,
		}
		c.requestStats[result.Name] = stats
	}
	c.requestStatsMu.Unlock()

	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.TotalRequests++
	if result.Success {
		stats.SuccessRequests++
	} else {
		stats.FailedRequests++
	}

	latencyNs := result.Latency.Nanoseconds()
	stats.TotalLatencyNs += latencyNs
	stats.TotalBytes += result.ResponseSize

	if stats.MinLatency == 0 || result.Latency < stats.MinLatency {
		stats.MinLatency = result.Latency
	}
	if result.Latency > stats.MaxLatency {
		stats.MaxLatency = result.Latency
	}

	if len(stats.latencies) >= stats.maxLatencySample {
		halfSize := stats.maxLatencySample / 2
		stats.latencies = stats.latencies[len(stats.latencies)-halfSize:]
	}
	stats.latencies = append(stats.latencies, latencyNs)
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	startTime := c.startTime
	endTime := c.endTime
	c.mu.RUnlock()

	var duration time.Duration
	if !startTime.IsZero() {
		if endTime.IsZero() {
			duration = time.Since(startTime)
		} else {
			duration = endTime.Sub(startTime)
		}
	}

	totalRequests := c.totalRequests.Load()
	successRequests := c.successRequests.Load()

	minLat, avgLat, p50Lat, p95Lat, p99Lat, maxLat := c.calculateLatencyStats()

	var successRate float64
	if totalRequests > 0 {
		successRate = float64(successRequests) / float64(totalRequests) * 100
	}

	var qps float64
	if duration > 0 {
		qps = float64(totalRequests) / duration.Seconds()
	}

	return Snapshot{
		StartTime:         startTime,
		EndTime:           endTime,
		Duration:          duration,
		TotalRequests:     totalRequests,
		SuccessRequests:   successRequests,
		FailedRequests:    c.failedRequests.Load(),
		TotalBytes:        c.totalBytes.Load(),
		MinLatency:        minLat,
		AvgLatency:        avgLat,
		P50Latency:        p50Lat,
		P95Latency:        p95Lat,
		P99Latency:        p99Lat,
		MaxLatency:        maxLat,
		SuccessRate:       successRate,
		QPS:               qps,
		JourneysCompleted: c.journeysCompleted.Load(),
		JourneysAborted:   c.journeysAborted.Load(),
		Purchases:         c.purchases.Load(),
		BrowseIterations:  c.browseIterations.Load(),
		PurchaseRate:      c.PurchaseRate(),
		StatusCodes:       c.copyStatusCodes(),
		RequestStats:      c.copyRequestStats(duration),
	}
}

func (c *Collector) calculateLatencyStats() (min, avg, p50, p95, p99, max time.Duration) {
	c.latencyMu.RLock()
	latenciesCopy := make([]int64, len(c.latencies))
	copy(latenciesCopy, c.latencies)
	c.latencyMu.RUnlock()

	if len(latenciesCopy) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	slices.Sort(latenciesCopy)

	var sum int64
	for _, lat := range latenciesCopy {
		sum += lat
	}

	n := len(latenciesCopy)
	min = time.Duration(latenciesCopy[0])
	max = time.Duration(latenciesCopy[n-1])
	avg = time.Duration(sum / int64(n))
	p50 = time.Duration(latenciesCopy[percentileIndex(n, 0.50)])
	p95 = time.Duration(latenciesCopy[percentileIndex(n, 0.95)])
	p99 = time.Duration(latenciesCopy[percentileIndex(n, 0.99)])

	return min, avg, p50, p95, p99, max
}

// percentileIndex returns the index for a given percentile.
func percentileIndex(n int, percentile float64) int {
	idx := int(float64(n) * percentile)
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

func (c *Collector) copyStatusCodes() map[int]int64 {
	c.statusCodesMu.RLock()
	defer c.statusCodesMu.RUnlock()

	result := make(map[int]int64, len(c.statusCodes))
	maps.Copy(result, c.statusCodes)
	return result
}

func (c *Collector) copyRequestStats(totalDuration time.Duration) map[string]*RequestSnapshot {
	c.requestStatsMu.RLock()
	defer c.requestStatsMu.RUnlock()

	result := make(map[string]*RequestSnapshot, len(c.requestStats))
	for name, stats := range c.requestStats {
		result[name] = stats.snapshot(totalDuration)
	}
	return result
}

func (s *RequestStats) snapshot(totalDuration time.Duration) *RequestSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := &RequestSnapshot{
		Name:            s.Name,
		TotalRequests:   s.TotalRequests,
		SuccessRequests: s.SuccessRequests,
		FailedRequests:  s.FailedRequests,
		TotalBytes:      s.TotalBytes,
		MinLatency:      s.MinLatency,
		MaxLatency:      s.MaxLatency,
	}

	if s.TotalRequests > 0 {
		snapshot.AvgLatency = time.Duration(s.TotalLatencyNs / s.TotalRequests)
		snapshot.SuccessRate = float64(s.SuccessRequests) / float64(s.TotalRequests) * 100
	}

	if totalDuration > 0 {
		snapshot.QPS = float64(s.TotalRequests) / totalDuration.Seconds()
	}

	if len(s.latencies) > 0 {
		latenciesCopy := slices.Clone(s.latencies)
		slices.Sort(latenciesCopy)

		n := len(latenciesCopy)
		snapshot.P50Latency = time.Duration(latenciesCopy[percentileIndex(n, 0.50)])
		snapshot.P95Latency = time.Duration(latenciesCopy[percentileIndex(n, 0.95)])
		snapshot.P99Latency = time.Duration(latenciesCopy[percentileIndex(n, 0.99)])
	}

	return snapshot
}

// GetTotalRequests returns the current total request count.
func (c *Collector) GetTotalRequests() int64 {
	return c.totalRequests.Load()
}

// GetFailedRequests returns the current failed request count.
func (c *Collector) GetFailedRequests() int64 {
	return c.failedRequests.Load()
}

// GetSuccessRate returns the current success rate (0.0 - 100.0).
func (c *Collector) GetSuccessRate() float64 {
	total := c.totalRequests.Load()
	if total == 0 {
		return 0
	}
	return float64(c.successRequests.Load()) / float64(total) * 100
}

// GetCurrentQPS returns the average requests per second since Start.
func (c *Collector) GetCurrentQPS() float64 {
	d := c.Duration()
	if d <= 0 {
		return 0
	}
	return float64(c.totalRequests.Load()) / d.Seconds()
}

// PurchaseRate returns the share of completed journeys that checked out
// (0.0 - 100.0). Purchases of aborted journeys are not counted, so the
// rate never exceeds 100.
func (c *Collector) PurchaseRate() float64 {
	completed := c.journeysCompleted.Load()
	if completed == 0 {
		return 0
	}
	return float64(c.purchases.Load()) / float64(completed) * 100
}

// Duration returns the elapsed duration since start.
func (c *Collector) Duration() time.Duration {
	c.mu.RLock()
	startTime := c.startTime
	endTime := c.endTime
	c.mu.RUnlock()

	if startTime.IsZero() {
		return 0
	}
	if endTime.IsZero() {
		return time.Since(startTime)
	}
	return endTime.Sub(startTime)
}

// multi fans results out to several recorders.
type multi []Recorder

// Multi returns a recorder that forwards every result to each non-nil
// recorder. Journey results reach the recorders that also implement
// JourneyRecorder.
func Multi(recorders ...Recorder) interface {
	Recorder
	JourneyRecorder
} {
	m := make(multi, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			m = append(m, r)
		}
	}
	return m
}

func (m multi) Record(result Result) {
	for _, r := range m {
		r.Record(result)
	}
}

func (m multi) RecordJourney(result JourneyResult) {
	for _, r := range m {
		if jr, ok := r.(JourneyRecorder); ok {
			jr.RecordJourney(result)
		}
	}
}
