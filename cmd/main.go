// Package main provides the CLI entry point for the load generator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/teastore/tools/loadgen/internal/config"
	"github.com/example/teastore/tools/loadgen/internal/journey"
	"github.com/example/teastore/tools/loadgen/internal/logger"
	"github.com/example/teastore/tools/loadgen/internal/runner"
	"github.com/example/teastore/tools/loadgen/internal/storefront"
)

// Version information (populated at build time)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// cliOptions holds the parsed command line.
type cliOptions struct {
	configPath     string
	host           string
	users          int
	spawnRate      float64
	duration       time.Duration
	seed           uint64
	qps            float64
	logLevel       string
	outputFormat   string
	outputFile     string
	prometheusAddr string
	mock           bool
	mockAddr       string
	validate       bool
	dryRun         bool
	verbose        bool
	showVersion    bool
}

func newFlagSet(opts *cliOptions, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("loadgen", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// Configuration
	fs.StringVar(&opts.configPath, "config", "", "Path to the YAML configuration file")
	fs.StringVar(&opts.configPath, "c", "", "Path to the YAML configuration file (shorthand)")
	fs.StringVar(&opts.host, "host", "", "Store base URL, e.g. http://localhost:8080/tools.descartes.teastore.webui")

	// Override flags
	fs.IntVar(&opts.users, "users", 0, "Override number of virtual users")
	fs.IntVar(&opts.users, "u", 0, "Override number of virtual users (shorthand)")
	fs.Float64Var(&opts.spawnRate, "spawn-rate", 0, "Override users started per second")
	fs.Float64Var(&opts.spawnRate, "r", 0, "Override users started per second (shorthand)")
	fs.DurationVar(&opts.duration, "duration", 0, "Override test duration (e.g., 5m, 1h)")
	fs.DurationVar(&opts.duration, "d", 0, "Override test duration (shorthand)")
	fs.Uint64Var(&opts.seed, "seed", 0, "Override random seed (0 keeps the configured seed)")
	fs.Float64Var(&opts.qps, "qps", 0, "Cap the total request rate")
	fs.StringVar(&opts.logLevel, "log-level", "", "Override log level: debug, info, warn, error")

	// Utility flags
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable verbose output")
	fs.BoolVar(&opts.verbose, "v", false, "Enable verbose output (shorthand)")
	fs.BoolVar(&opts.validate, "validate", false, "Validate configuration and exit")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Parse config and show execution plan without running")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version information")

	// Target flags
	fs.BoolVar(&opts.mock, "mock", false, "Run against an in-process fake store")
	fs.StringVar(&opts.mockAddr, "mock-addr", "127.0.0.1:0", "Listen address of the fake store")

	// Output flags
	fs.StringVar(&opts.outputFormat, "output", "", "Output format: console, json, or console,json (enables JSON report)")
	fs.StringVar(&opts.outputFile, "output-file", "", "JSON output file path (overrides config, supports {{.Timestamp}})")
	fs.StringVar(&opts.prometheusAddr, "prometheus", "", "Prometheus metrics endpoint (e.g., :9090 or localhost:9090)")

	fs.Usage = func() { printUsage(stderr) }
	return fs
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Load Generator - TeaStore Load Testing Tool

USAGE:
    loadgen -config <path> [options]
    loadgen -host <url> [options]
    loadgen -mock [options]

DESCRIPTION:
    Simulates TeaStore customers. Every virtual user repeatedly loads the
    landing page, logs in as a random user, browses one to four categories
    and products while filling its cart, buys with a 50%% chance, looks at
    its profile and logs out.

CONFIGURATION:
    -config, -c <path>    Path to the YAML configuration file
    -host <url>           Store base URL (used without -config, or overrides it)

OVERRIDE OPTIONS:
    -users, -u <n>        Override number of virtual users
    -spawn-rate, -r <n>   Override users started per second
    -duration, -d <dur>   Override test duration (e.g., "5m", "1h30m")
    -seed <n>             Override random seed for reproducible runs
    -qps <n>              Cap the total request rate
    -log-level <level>    Override log level (debug, info, warn, error)

UTILITY OPTIONS:
    -validate             Validate configuration and exit
    -dry-run              Show execution plan without running
    -verbose, -v          Enable verbose output
    -version              Show version information
    -help, -h             Show this help message

TARGET OPTIONS:
    -mock                 Start an in-process fake store and test it
    -mock-addr <addr>     Listen address of the fake store (default 127.0.0.1:0)

OUTPUT OPTIONS:
    -output <format>      Output format: console, json, or console,json
    -output-file <path>   JSON output file (supports {{.Timestamp}} template)
    -prometheus <addr>    Enable Prometheus metrics endpoint (e.g., :9090 or localhost:9090)

EXAMPLES:
    # Run with default configuration
    loadgen -config configs/teastore.yaml

    # Fifty users for ten minutes
    loadgen -config configs/teastore.yaml -u 50 -r 5 -d 10m

    # Reproducible run with a JSON report
    loadgen -config configs/teastore.yaml -seed 42 -output-file results/run-{{.Timestamp}}.json

    # No config file
    loadgen -host http://localhost:8080/tools.descartes.teastore.webui -u 10

    # Try it out without a store
    loadgen -mock -u 5 -d 30s

    # Enable Prometheus metrics endpoint
    loadgen -config configs/teastore.yaml -prometheus :9090

    # Dry run to see execution plan
    loadgen -config configs/teastore.yaml -dry-run
`)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts cliOptions
	fs := newFlagSet(&opts, stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if opts.showVersion {
		printVersion(stdout)
		return exitOK
	}

	cfg, err := loadConfig(&opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, errNoTarget) {
			fmt.Fprintln(stderr, "")
			printUsage(stderr)
			return exitUsage
		}
		return exitError
	}

	applyOverrides(cfg, &opts, stdout)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: invalid overrides: %v\n", err)
		return exitError
	}

	if opts.validate {
		fmt.Fprintf(stdout, "Configuration '%s' is valid.\n", cfg.Name)
		printConfigSummary(stdout, cfg)
		return exitOK
	}

	if opts.dryRun {
		printExecutionPlan(stdout, cfg, &opts)
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runLoadTest(ctx, cfg, &opts, stdout); err != nil {
		fmt.Fprintf(stderr, "Error running load test: %v\n", err)
		return exitError
	}
	return exitOK
}

var errNoTarget = errors.New("-config, -host or -mock flag is required")

// mockPlaceholderURL stands in for the fake store's address until it is
// started.
const mockPlaceholderURL = "http://127.0.0.1" + storefront.DefaultBasePath

func loadConfig(opts *cliOptions) (*config.Config, error) {
	if opts.configPath != "" {
		absConfigPath, err := filepath.Abs(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("resolving config path: %w", err)
		}
		cfg, err := config.LoadFromFile(absConfigPath)
		if err != nil {
			return nil, fmt.Errorf("loading configuration: %w", err)
		}
		return cfg, nil
	}

	switch {
	case opts.host != "":
		return config.Default(opts.host), nil
	case opts.mock:
		return config.Default(mockPlaceholderURL), nil
	}
	return nil, errNoTarget
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "loadgen version %s\n", version)
	fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

func applyOverrides(cfg *config.Config, opts *cliOptions, w io.Writer) {
	if opts.host != "" {
		cfg.Target.BaseURL = opts.host
		if opts.verbose {
			fmt.Fprintf(w, "Override: target = %s\n", opts.host)
		}
	}

	if opts.users > 0 {
		cfg.Users.Count = opts.users
		if opts.verbose {
			fmt.Fprintf(w, "Override: users = %d\n", opts.users)
		}
	}

	if opts.spawnRate > 0 {
		cfg.Users.SpawnRate = opts.spawnRate
		if opts.verbose {
			fmt.Fprintf(w, "Override: spawn rate = %.1f/s\n", opts.spawnRate)
		}
	}

	if opts.duration > 0 {
		cfg.Duration = opts.duration
		if opts.verbose {
			fmt.Fprintf(w, "Override: duration = %v\n", opts.duration)
		}
	}

	if opts.seed > 0 {
		cfg.Seed = opts.seed
		if opts.verbose {
			fmt.Fprintf(w, "Override: seed = %d\n", opts.seed)
		}
	}

	if opts.qps > 0 {
		cfg.RateLimiter.QPS = opts.qps
		if opts.verbose {
			fmt.Fprintf(w, "Override: qps = %.1f\n", opts.qps)
		}
	}

	if opts.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(opts.logLevel)
		if opts.verbose {
			fmt.Fprintf(w, "Override: log level = %s\n", cfg.Logging.Level)
		}
	}

	if opts.verbose {
		cfg.Output.Verbose = true
	}

	// Apply output format override
	if opts.outputFormat != "" && strings.Contains(strings.ToLower(opts.outputFormat), "json") {
		cfg.Output.JSON.Enabled = true
		if opts.verbose {
			fmt.Fprintf(w, "Override: output format = %s (JSON enabled)\n", opts.outputFormat)
		}
	}

	// Apply output file override
	if opts.outputFile != "" {
		cfg.Output.JSON.Enabled = true
		cfg.Output.JSON.File = opts.outputFile
		if opts.verbose {
			fmt.Fprintf(w, "Override: output file = %s\n", opts.outputFile)
		}
	}

	// Apply Prometheus override
	if opts.prometheusAddr != "" {
		cfg.Output.Prometheus.Enabled = true
		if port := parsePrometheusPort(opts.prometheusAddr); port > 0 {
			cfg.Output.Prometheus.Port = port
		}
		if cfg.Output.Prometheus.Path == "" {
			cfg.Output.Prometheus.Path = "/metrics"
		}
		if opts.verbose {
			fmt.Fprintf(w, "Override: Prometheus enabled on %s\n", prometheusDisplayAddr(cfg, opts))
		}
	}
}

// prometheusListenAddr returns addr when it names a host, e.g.
// "localhost:9090", so the exporter binds there only. It returns "" for
// ":9090", "9090" and invalid addresses, which listen on every interface.
func prometheusListenAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" || parsePrometheusPort(addr) == 0 {
		return ""
	}
	return addr
}

func prometheusDisplayAddr(cfg *config.Config, opts *cliOptions) string {
	if listen := prometheusListenAddr(opts.prometheusAddr); listen != "" {
		return listen
	}
	return fmt.Sprintf(":%d", cfg.Output.Prometheus.Port)
}

// parsePrometheusPort extracts port from address string.
// Supports formats: :9090, localhost:9090, 9090
// Returns 0 for invalid ports (including out of range 1-65535).
func parsePrometheusPort(addr string) int {
	addr = strings.TrimSpace(addr)

	// Handle just port number
	if !strings.Contains(addr, ":") {
		var port int
		if _, err := fmt.Sscanf(addr, "%d", &port); err == nil {
			if port > 0 && port <= 65535 {
				return port
			}
		}
		return 0
	}

	// Handle :port or host:port
	parts := strings.Split(addr, ":")
	var port int
	if _, err := fmt.Sscanf(parts[len(parts)-1], "%d", &port); err == nil {
		if port > 0 && port <= 65535 {
			return port
		}
	}
	return 0
}

func printConfigSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration Summary:")
	fmt.Fprintf(w, "  Name:        %s\n", cfg.Name)
	fmt.Fprintf(w, "  Version:     %s\n", cfg.Version)
	fmt.Fprintf(w, "  Target:      %s\n", cfg.Target.BaseURL)
	fmt.Fprintf(w, "  Duration:    %v\n", cfg.Duration)
	fmt.Fprintf(w, "  Users:       %d\n", cfg.Users.Count)
	fmt.Fprintf(w, "  Spawn Rate:  %.1f/s\n", cfg.Users.SpawnRate)
	fmt.Fprintf(w, "  Wait Time:   %v - %v\n", cfg.Users.WaitTime.Min, cfg.Users.WaitTime.Max)
	fmt.Fprintf(w, "  Seed:        %s\n", seedLabel(cfg.Seed))
	fmt.Fprintf(w, "  Rate Limit:  %s\n", rateLimitLabel(cfg.RateLimiter.QPS))
}

func seedLabel(seed uint64) string {
	if seed == 0 {
		return "random"
	}
	return fmt.Sprint(seed)
}

func rateLimitLabel(qps float64) string {
	if qps <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%.1f req/s", qps)
}

func printExecutionPlan(w io.Writer, cfg *config.Config, opts *cliOptions) {
	fmt.Fprintln(w, "=== Execution Plan (Dry Run) ===")

	printConfigSummary(w, cfg)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Users:")
	fmt.Fprintf(w, "  Count:        %d\n", cfg.Users.Count)
	fmt.Fprintf(w, "  Ramp-up:      %v\n", cfg.RampUpDuration())
	fmt.Fprintf(w, "  Stop timeout: %v\n", cfg.Users.StopTimeout)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Journey (per virtual user, repeated):")
	fmt.Fprintln(w, "  1. GET  /")
	fmt.Fprintln(w, "  2. GET  /login")
	fmt.Fprintf(w, "  3. POST /loginAction   username %d-%d, password %q\n",
		journey.MinUserID, journey.MaxUserID, journey.Password)
	fmt.Fprintf(w, "  4. %d-%d times:\n", journey.MinBrowseBound-1, journey.MaxBrowseBound-1)
	fmt.Fprintf(w, "       GET  /category    category %d-%d, page %d-%d\n",
		journey.MinCategory, journey.MaxCategory, journey.MinPage, journey.MaxPage)
	fmt.Fprintf(w, "       GET  /product     id %d-%d\n", journey.MinProductID, journey.MaxProductID)
	fmt.Fprintln(w, "       POST /cartAction  addToCart")
	fmt.Fprintln(w, "  5. POST /cartAction   checkout (50% of journeys)")
	fmt.Fprintln(w, "  6. GET  /profile")
	fmt.Fprintln(w, "  7. POST /loginAction  logout")

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Output:")
	fmt.Fprintf(w, "  Progress every: %v\n", cfg.Output.ReportInterval)
	if cfg.Output.JSON.Enabled {
		fmt.Fprintf(w, "  JSON report:    %s\n", cfg.Output.JSON.File)
	}
	if cfg.Output.Prometheus.Enabled {
		fmt.Fprintf(w, "  Prometheus:     %s%s\n", prometheusDisplayAddr(cfg, opts), cfg.Output.Prometheus.Path)
	}
	if opts.mock {
		fmt.Fprintf(w, "  Target:         in-process fake store on %s\n", opts.mockAddr)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ready to execute. Remove -dry-run flag to start the load test.")
}

func runLoadTest(ctx context.Context, cfg *config.Config, opts *cliOptions, stdout io.Writer) error {
	log, err := logger.New(cfg.Logging.LoggerConfig())
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	var store *storefront.Server
	if opts.mock {
		store = storefront.New(storefront.Config{Logger: log.Named("storefront")})
		url, err := store.Start(opts.mockAddr)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Shutdown(shutdownCtx); err != nil {
				log.Warn("stopping storefront", zap.Error(err))
			}
		}()
		cfg.Target.BaseURL = url
	}

	runnerOpts := []runner.Option{runner.WithConsoleWriter(stdout), runner.WithVersion(version)}
	if listen := prometheusListenAddr(opts.prometheusAddr); listen != "" && cfg.Output.Prometheus.Enabled {
		runnerOpts = append(runnerOpts, runner.WithPrometheusListenAddr(listen))
	}

	r, err := runner.New(cfg, log, runnerOpts...)
	if err != nil {
		return err
	}

	snapshot, err := r.Run(ctx)
	if err != nil {
		return err
	}
	if path := r.ReportPath(); path != "" {
		fmt.Fprintf(stdout, "JSON report written to %s\n", path)
	}
	if store != nil {
		stats := store.Stats()
		fmt.Fprintf(stdout, "Fake store: %d logins, %d logouts, %d cart adds, %d orders\n",
			stats.Logins, stats.Logouts, stats.CartAdds, stats.Orders)
	}
	if snapshot.Journeys() > 0 && snapshot.JourneysCompleted == 0 {
		return fmt.Errorf("all %d journeys aborted", snapshot.JourneysAborted)
	}
	return nil
}
