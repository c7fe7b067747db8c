package metrics

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Console prints periodic progress lines and the final report of a load
// test.
//
// Thread Safety: Safe for concurrent use.
type Console struct {
	mu     sync.Mutex
	writer io.Writer
	config ConsoleConfig
}

// ConsoleConfig holds configuration for console output.
type ConsoleConfig struct {
	// Writer is the output destination. Default: os.Stdout
	Writer io.Writer

	// RefreshInterval is how often a progress line is printed. Default: 10s
	RefreshInterval time.Duration

	// ShowRequestStats shows the per-request-name table in the final
	// report.
	ShowRequestStats bool

	// UseColors enables ANSI color codes.
	UseColors bool

	// TotalDuration is the planned test duration, shown as a percentage
	// in progress lines when set.
	TotalDuration time.Duration
}

// ANSI color codes.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// NewConsole creates a new console output handler.
func NewConsole(config ConsoleConfig) *Console {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 10 * time.Second
	}

	return &Console{
		writer: config.Writer,
		config: config,
	}
}

func (c *Console) color(code string) string {
	if c.config.UseColors {
		return code
	}
	return ""
}

// Run prints a progress line every RefreshInterval until ctx is done.
// activeUsers may be nil.
func (c *Console) Run(ctx context.Context, collector *Collector, activeUsers func() int) {
	ticker := time.NewTicker(c.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users := -1
			if activeUsers != nil {
				users = activeUsers()
			}
			c.PrintProgress(collector.Snapshot(), users)
		}
	}
}

// PrintProgress prints one progress line. A negative users count is
// omitted.
func (c *Console) PrintProgress(snapshot Snapshot, users int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s[%s]%s %s",
		c.color(colorDim), time.Now().Format("15:04:05"), c.color(colorReset),
		c.formatElapsed(snapshot.Duration))
	if users >= 0 {
		fmt.Fprintf(&sb, " | Users: %d", users)
	}
	fmt.Fprintf(&sb, " | Requests: %s%d%s | QPS: %s%.1f%s | Success: %s%.1f%%%s",
		c.color(colorBold), snapshot.TotalRequests, c.color(colorReset),
		c.color(colorBlue), snapshot.QPS, c.color(colorReset),
		c.successRateColor(snapshot.SuccessRate), snapshot.SuccessRate, c.color(colorReset))
	fmt.Fprintf(&sb, " | Journeys: %d (aborted %d) | p95: %s",
		snapshot.Journeys(), snapshot.JourneysAborted, formatLatency(snapshot.P95Latency))

	fmt.Fprintln(c.writer, sb.String())
}

func (c *Console) formatElapsed(elapsed time.Duration) string {
	if c.config.TotalDuration <= 0 {
		return formatDuration(elapsed)
	}
	progress := min(float64(elapsed)/float64(c.config.TotalDuration), 1)
	return fmt.Sprintf("%s / %s (%.0f%%)",
		formatDuration(elapsed), formatDuration(c.config.TotalDuration), progress*100)
}

// PrintFinalReport prints the summary of a finished load test.
func (c *Console) PrintFinalReport(snapshot Snapshot, run RunStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.writer
	section := func(title string) {
		fmt.Fprintf(w, "%s── %s %s%s\n",
			c.color(colorCyan), title, strings.Repeat("─", max(0, 58-len(title))), c.color(colorReset))
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s╔══════════════════════════════════════════════════════════════╗%s\n",
		c.color(colorBold), c.color(colorReset))
	fmt.Fprintf(w, "%s║                 TEASTORE LOAD TEST REPORT                    ║%s\n",
		c.color(colorBold), c.color(colorReset))
	fmt.Fprintf(w, "%s╚══════════════════════════════════════════════════════════════╝%s\n",
		c.color(colorBold), c.color(colorReset))
	fmt.Fprintln(w)

	section("Test Duration")
	if !snapshot.StartTime.IsZero() {
		fmt.Fprintf(w, "  Start Time:     %s\n", snapshot.StartTime.Format("2006-01-02 15:04:05"))
	}
	if !snapshot.EndTime.IsZero() {
		fmt.Fprintf(w, "  End Time:       %s\n", snapshot.EndTime.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "  Duration:       %s\n", formatDuration(snapshot.Duration))
	fmt.Fprintln(w)

	section("Journeys")
	fmt.Fprintf(w, "  Completed:         %s%d%s\n",
		c.color(colorGreen), snapshot.JourneysCompleted, c.color(colorReset))
	fmt.Fprintf(w, "  Aborted:           %s%d%s\n",
		c.color(colorRed), snapshot.JourneysAborted, c.color(colorReset))
	fmt.Fprintf(w, "  Purchases:         %d (%.1f%%)\n", snapshot.Purchases, snapshot.PurchaseRate)
	fmt.Fprintf(w, "  Browse Iterations: %d\n", snapshot.BrowseIterations)
	fmt.Fprintln(w)

	section("Virtual Users")
	fmt.Fprintf(w, "  Spawned:           %d\n", run.UsersSpawned)
	fmt.Fprintf(w, "  Stopped:           %d\n", run.UsersStopped)
	if run.RateLimited {
		fmt.Fprintf(w, "  Rate Limit Tokens: %d\n", run.RateLimitAcquired)
		fmt.Fprintf(w, "  Rate Limit Wait:   %s avg\n", formatLatency(run.RateLimitAvgWait))
	}
	fmt.Fprintln(w)

	section("Request Statistics")
	fmt.Fprintf(w, "  Total Requests:    %s%d%s\n",
		c.color(colorBold), snapshot.TotalRequests, c.color(colorReset))
	fmt.Fprintf(w, "  Successful:        %s%d%s\n",
		c.color(colorGreen), snapshot.SuccessRequests, c.color(colorReset))
	fmt.Fprintf(w, "  Failed:            %s%d%s\n",
		c.color(colorRed), snapshot.FailedRequests, c.color(colorReset))
	fmt.Fprintf(w, "  Success Rate:      %s%.2f%%%s\n",
		c.successRateColor(snapshot.SuccessRate), snapshot.SuccessRate, c.color(colorReset))
	fmt.Fprintf(w, "  Throughput:        %s%.2f req/s%s\n",
		c.color(colorBlue), snapshot.QPS, c.color(colorReset))
	fmt.Fprintf(w, "  Data Transferred:  %s\n", formatBytes(snapshot.TotalBytes))
	fmt.Fprintln(w)

	section("Latency Distribution")
	fmt.Fprintf(w, "  Min:    %12s\n", formatLatency(snapshot.MinLatency))
	fmt.Fprintf(w, "  Avg:    %12s\n", formatLatency(snapshot.AvgLatency))
	fmt.Fprintf(w, "  P50:    %12s\n", formatLatency(snapshot.P50Latency))
	fmt.Fprintf(w, "  P95:    %12s\n", formatLatency(snapshot.P95Latency))
	fmt.Fprintf(w, "  P99:    %12s\n", formatLatency(snapshot.P99Latency))
	fmt.Fprintf(w, "  Max:    %12s\n", formatLatency(snapshot.MaxLatency))
	fmt.Fprintln(w)

	if len(snapshot.StatusCodes) > 0 {
		section("Status Codes")
		codes := make([]int, 0, len(snapshot.StatusCodes))
		for code := range snapshot.StatusCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		for _, code := range codes {
			count := snapshot.StatusCodes[code]
			pct := float64(count) / float64(snapshot.TotalRequests) * 100
			fmt.Fprintf(w, "  %s%d%s: %6d (%5.1f%%)\n",
				c.statusCodeColor(code), code, c.color(colorReset), count, pct)
		}
		fmt.Fprintln(w)
	}

	if c.config.ShowRequestStats && len(snapshot.RequestStats) > 0 {
		section("Per-Request Statistics")

		entries := make([]*RequestSnapshot, 0, len(snapshot.RequestStats))
		for _, s := range snapshot.RequestStats {
			entries = append(entries, s)
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].TotalRequests != entries[j].TotalRequests {
				return entries[i].TotalRequests > entries[j].TotalRequests
			}
			return entries[i].Name < entries[j].Name
		})

		fmt.Fprintf(w, "  %-20s %8s %8s %8s %10s %10s\n",
			"Name", "Requests", "Failures", "Success%", "P95", "Avg")
		fmt.Fprintf(w, "  %s%s%s\n",
			c.color(colorDim), strings.Repeat("─", 70), c.color(colorReset))

		for _, e := range entries {
			fmt.Fprintf(w, "  %-20s %8d %8d %s%7.1f%%%s %10s %10s\n",
				e.Name,
				e.TotalRequests,
				e.FailedRequests,
				c.successRateColor(e.SuccessRate), e.SuccessRate, c.color(colorReset),
				formatLatency(e.P95Latency),
				formatLatency(e.AvgLatency))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "%s══════════════════════════════════════════════════════════════%s\n",
		c.color(colorDim), c.color(colorReset))
}

// Success rate thresholds for color coding.
const (
	successRateExcellent = 99.0
	successRateGood      = 95.0
)

func (c *Console) successRateColor(rate float64) string {
	switch {
	case rate >= successRateExcellent:
		return c.color(colorGreen)
	case rate >= successRateGood:
		return c.color(colorYellow)
	default:
		return c.color(colorRed)
	}
}

func (c *Console) statusCodeColor(code int) string {
	switch {
	case code >= 200 && code < 300:
		return c.color(colorGreen)
	case code >= 300 && code < 400:
		return c.color(colorBlue)
	case code >= 400 && code < 500:
		return c.color(colorYellow)
	default:
		return c.color(colorRed)
	}
}

// formatLatency formats a duration for display.
func formatLatency(d time.Duration) string {
	if d == 0 {
		return "0ms"
	}
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", hours, minutes)
}

// formatBytes formats a byte count for display.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
