package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// JSONReport is a complete load test report that external tools can
// parse.
type JSONReport struct {
	Metadata      ReportMetadata      `json:"metadata"`
	Configuration ReportConfiguration `json:"configuration"`
	Summary       ReportSummary       `json:"summary"`
	Journeys      JourneySummary      `json:"journeys"`
	// Requests are sorted by name.
	Requests    []RequestReport  `json:"requests"`
	StatusCodes map[string]int64 `json:"statusCodes"`
}

// ReportMetadata contains metadata about the report.
type ReportMetadata struct {
	Version     string    `json:"version"`
	GeneratedAt time.Time `json:"generatedAt"`
	Generator   string    `json:"generator"`
}

// ReportConfiguration captures the test configuration.
type ReportConfiguration struct {
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	TargetBaseURL string       `json:"targetBaseURL"`
	Duration      Duration     `json:"duration"`
	Users         UsersReport  `json:"users"`
	Seed          uint64       `json:"seed,omitempty"`
	RateLimiter   *RateLimiter `json:"rateLimiter,omitempty"`
}

// UsersReport captures the virtual user settings.
type UsersReport struct {
	Count     int      `json:"count"`
	SpawnRate float64  `json:"spawnRate"`
	WaitMin   Duration `json:"waitMin"`
	WaitMax   Duration `json:"waitMax"`
	Spawned   int64    `json:"spawned"`
	Stopped   int64    `json:"stopped"`
}

// RateLimiter captures rate limiter configuration and how long requests
// waited for a token.
type RateLimiter struct {
	Type      string  `json:"type"`
	QPS       float64 `json:"qps"`
	Burst     int     `json:"burst"`
	Acquired  int64   `json:"acquired"`
	AvgWaitMs float64 `json:"avgWaitMs"`
}

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler for Duration.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"seconds": d.Seconds(),
		"display": formatDuration(d.Duration),
	})
}

// UnmarshalJSON implements json.Unmarshaler for Duration.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if seconds, ok := obj["seconds"].(float64); ok {
		d.Duration = time.Duration(seconds * float64(time.Second))
	}
	return nil
}

// ReportSummary contains overall request statistics.
type ReportSummary struct {
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Duration  Duration  `json:"duration"`

	TotalRequests   int64 `json:"totalRequests"`
	SuccessRequests int64 `json:"successRequests"`
	FailedRequests  int64 `json:"failedRequests"`
	TotalBytes      int64 `json:"totalBytes"`

	SuccessRate float64 `json:"successRate"`
	QPS         float64 `json:"qps"`
	BytesPerSec float64 `json:"bytesPerSecond"`

	Latency LatencyStats `json:"latency"`
}

// JourneySummary contains journey counters.
type JourneySummary struct {
	Completed        int64   `json:"completed"`
	Aborted          int64   `json:"aborted"`
	Purchases        int64   `json:"purchases"`
	PurchaseRate     float64 `json:"purchaseRate"`
	BrowseIterations int64   `json:"browseIterations"`
}

// LatencyStats contains latency statistics in milliseconds.
type LatencyStats struct {
	MinMs float64 `json:"minMs"`
	AvgMs float64 `json:"avgMs"`
	P50Ms float64 `json:"p50Ms"`
	P95Ms float64 `json:"p95Ms"`
	P99Ms float64 `json:"p99Ms"`
	MaxMs float64 `json:"maxMs"`
}

// RequestReport contains statistics for a single request name.
type RequestReport struct {
	Name            string       `json:"name"`
	TotalRequests   int64        `json:"totalRequests"`
	SuccessRequests int64        `json:"successRequests"`
	FailedRequests  int64        `json:"failedRequests"`
	TotalBytes      int64        `json:"totalBytes"`
	SuccessRate     float64      `json:"successRate"`
	QPS             float64      `json:"qps"`
	Latency         LatencyStats `json:"latency"`
}

// Reporter generates JSON reports from test metrics.
type Reporter struct {
	version string
}

// NewReporter creates a new Reporter.
func NewReporter(version string) *Reporter {
	if version == "" {
		version = "dev"
	}
	return &Reporter{version: version}
}

// ReportOptions describes the run a report belongs to.
type ReportOptions struct {
	ConfigName        string
	ConfigDescription string
	TargetBaseURL     string
	TestDuration      time.Duration

	Users     int
	SpawnRate float64
	WaitMin   time.Duration
	WaitMax   time.Duration
	Seed      uint64

	// RateLimiterType is empty when no rate limiter was used.
	RateLimiterType  string
	RateLimiterQPS   float64
	RateLimiterBurst int

	Run RunStats
}

// RunStats describes how the user pool and the rate limiter behaved
// during a run.
type RunStats struct {
	UsersSpawned int64
	UsersStopped int64

	// RateLimited is false when no rate limiter was used.
	RateLimited       bool
	RateLimitAcquired int64
	RateLimitAvgWait  time.Duration
}

// GenerateReport creates a JSON report from a metrics snapshot.
func (r *Reporter) GenerateReport(snapshot Snapshot, opts ReportOptions) *JSONReport {
	report := &JSONReport{
		Metadata: ReportMetadata{
			Version:     r.version,
			GeneratedAt: time.Now().UTC(),
			Generator:   "teastore-loadgen",
		},
		Configuration: ReportConfiguration{
			Name:          opts.ConfigName,
			Description:   opts.ConfigDescription,
			TargetBaseURL: opts.TargetBaseURL,
			Duration:      Duration{opts.TestDuration},
			Users: UsersReport{
				Count:     opts.Users,
				SpawnRate: opts.SpawnRate,
				WaitMin:   Duration{opts.WaitMin},
				WaitMax:   Duration{opts.WaitMax},
				Spawned:   opts.Run.UsersSpawned,
				Stopped:   opts.Run.UsersStopped,
			},
			Seed: opts.Seed,
		},
		Summary: r.buildSummary(snapshot),
		Journeys: JourneySummary{
			Completed:        snapshot.JourneysCompleted,
			Aborted:          snapshot.JourneysAborted,
			Purchases:        snapshot.Purchases,
			PurchaseRate:     snapshot.PurchaseRate,
			BrowseIterations: snapshot.BrowseIterations,
		},
		Requests:    r.buildRequestReports(snapshot),
		StatusCodes: make(map[string]int64, len(snapshot.StatusCodes)),
	}

	for code, count := range snapshot.StatusCodes {
		report.StatusCodes[strconv.Itoa(code)] = count
	}

	if opts.RateLimiterType != "" {
		report.Configuration.RateLimiter = &RateLimiter{
			Type:      opts.RateLimiterType,
			QPS:       opts.RateLimiterQPS,
			Burst:     opts.RateLimiterBurst,
			Acquired:  opts.Run.RateLimitAcquired,
			AvgWaitMs: float64(opts.Run.RateLimitAvgWait.Nanoseconds()) / 1e6,
		}
	}

	return report
}

func (r *Reporter) buildSummary(snapshot Snapshot) ReportSummary {
	var bytesPerSec float64
	if snapshot.Duration > 0 {
		bytesPerSec = float64(snapshot.TotalBytes) / snapshot.Duration.Seconds()
	}

	return ReportSummary{
		StartTime:       snapshot.StartTime,
		EndTime:         snapshot.EndTime,
		Duration:        Duration{snapshot.Duration},
		TotalRequests:   snapshot.TotalRequests,
		SuccessRequests: snapshot.SuccessRequests,
		FailedRequests:  snapshot.FailedRequests,
		TotalBytes:      snapshot.TotalBytes,
		SuccessRate:     snapshot.SuccessRate,
		QPS:             snapshot.QPS,
		BytesPerSec:     bytesPerSec,
		Latency: latencyStats(
			snapshot.MinLatency, snapshot.AvgLatency, snapshot.P50Latency,
			snapshot.P95Latency, snapshot.P99Latency, snapshot.MaxLatency),
	}
}

func latencyStats(minL, avg, p50, p95, p99, maxL time.Duration) LatencyStats {
	ms := func(d time.Duration) float64 { return float64(d.Nanoseconds()) / 1e6 }
	return LatencyStats{
		MinMs: ms(minL),
		AvgMs: ms(avg),
		P50Ms: ms(p50),
		P95Ms: ms(p95),
		P99Ms: ms(p99),
		MaxMs: ms(maxL),
	}
}

func (r *Reporter) buildRequestReports(snapshot Snapshot) []RequestReport {
	names := make([]string, 0, len(snapshot.RequestStats))
	for name := range snapshot.RequestStats {
		names = append(names, name)
	}
	sort.Strings(names)

	reports := make([]RequestReport, 0, len(names))
	for _, name := range names {
		stats := snapshot.RequestStats[name]
		reports = append(reports, RequestReport{
			Name:            name,
			TotalRequests:   stats.TotalRequests,
			SuccessRequests: stats.SuccessRequests,
			FailedRequests:  stats.FailedRequests,
			TotalBytes:      stats.TotalBytes,
			SuccessRate:     stats.SuccessRate,
			QPS:             stats.QPS,
			Latency: latencyStats(
				stats.MinLatency, stats.AvgLatency, stats.P50Latency,
				stats.P95Latency, stats.P99Latency, stats.MaxLatency),
		})
	}

	return reports
}

// ToJSON serializes a report to indented JSON.
func (r *Reporter) ToJSON(report *JSONReport) ([]byte, error) {
	return json.MarshalIndent(report, "", "  ")
}

// WriteToFile writes a report to a file and returns the path written.
// The path supports template variables:
// - {{.Timestamp}} - Current timestamp in format YYYYMMDD-HHMMSS
// - {{.Date}} - Current date in format YYYY-MM-DD
// - {{.Time}} - Current time in format HHMMSS
func (r *Reporter) WriteToFile(report *JSONReport, path string) (string, error) {
	expandedPath := filepath.Clean(expandPathTemplate(path, time.Now()))

	if err := os.MkdirAll(filepath.Dir(expandedPath), 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	data, err := r.ToJSON(report)
	if err != nil {
		return "", fmt.Errorf("marshaling report to JSON: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o644); err != nil {
		return "", fmt.Errorf("writing report file: %w", err)
	}

	return expandedPath, nil
}

func expandPathTemplate(path string, now time.Time) string {
	return strings.NewReplacer(
		"{{.Timestamp}}", now.Format("20060102-150405"),
		"{{.Date}}", now.Format("2006-01-02"),
		"{{.Time}}", now.Format("150405"),
	).Replace(path)
}
