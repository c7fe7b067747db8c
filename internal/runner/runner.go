// Package runner provides the main load test runner that orchestrates all components.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/teastore/tools/loadgen/internal/client"
	"github.com/example/teastore/tools/loadgen/internal/config"
	"github.com/example/teastore/tools/loadgen/internal/journey"
	"github.com/example/teastore/tools/loadgen/internal/loadctrl"
	"github.com/example/teastore/tools/loadgen/internal/metrics"
)

// ErrAlreadyRunning is returned when Run is called on a busy runner.
var ErrAlreadyRunning = errors.New("runner: already running")

const (
	// gaugeInterval is how often the exporter gauges are refreshed.
	gaugeInterval = time.Second

	// sessionRetryDelay is the least a user waits after failing to
	// create a session.
	sessionRetryDelay = time.Second
)

// Option configures a Runner.
type Option func(*Runner)

// WithConsoleWriter sends progress lines and the final report to w.
func WithConsoleWriter(w io.Writer) Option {
	return func(r *Runner) {
		r.consoleWriter = w
	}
}

// WithTransport replaces the HTTP transport of every virtual user.
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Runner) {
		r.transport = rt
	}
}

// WithVersion sets the generator version written to JSON reports.
func WithVersion(version string) Option {
	return func(r *Runner) {
		r.version = version
	}
}

// WithPrometheusListenAddr overrides the exporter listen address, e.g.
// "127.0.0.1:0". It has no effect unless the exporter is enabled.
func WithPrometheusListenAddr(addr string) Option {
	return func(r *Runner) {
		r.promListenAddr = addr
	}
}

// Runner runs virtual users against the store for the configured duration.
type Runner struct {
	cfg    *config.Config
	logger *zap.Logger

	consoleWriter  io.Writer
	transport      http.RoundTripper
	version        string
	promListenAddr string

	factory    *client.Factory
	newSession func() (*client.Session, error)
	limiter    loadctrl.RateLimiter
	collector  *metrics.Collector
	exporter   *metrics.PrometheusExporter
	journeys   metrics.JourneyRecorder
	console    *metrics.Console
	reporter   *metrics.Reporter
	pool       *loadctrl.UserPool

	running    atomic.Bool
	reportPath atomic.Value
}

// New creates a new load test runner. cfg must have defaults applied.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		cfg:           cfg,
		logger:        logger,
		consoleWriter: os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}

	limiter, err := loadctrl.NewRateLimiter(cfg.RateLimiter)
	if err != nil {
		return nil, fmt.Errorf("creating rate limiter: %w", err)
	}
	r.limiter = limiter

	r.collector = metrics.NewCollector(metrics.DefaultCollectorConfig())

	recorders := []metrics.Recorder{r.collector}
	if cfg.Output.Prometheus.Enabled {
		r.exporter = metrics.NewPrometheusExporter(metrics.PrometheusExporterConfig{
			Port:       cfg.Output.Prometheus.Port,
			ListenAddr: r.promListenAddr,
			Path:       cfg.Output.Prometheus.Path,
		})
		recorders = append(recorders, r.exporter)
	}

	recorder := metrics.Multi(recorders...)
	r.journeys = recorder

	clientOpts := []client.Option{client.WithRecorder(recorder)}
	if limiter != nil {
		clientOpts = append(clientOpts, client.WithRateLimiter(limiter))
	}
	if r.transport != nil {
		clientOpts = append(clientOpts, client.WithTransport(r.transport))
	}
	r.factory, err = client.NewFactory(cfg.Target, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	r.newSession = r.factory.NewSession

	r.console = metrics.NewConsole(metrics.ConsoleConfig{
		Writer:           r.consoleWriter,
		RefreshInterval:  cfg.Output.ReportInterval,
		ShowRequestStats: cfg.Output.Verbose,
		UseColors:        false,
		TotalDuration:    cfg.Duration,
	})
	r.reporter = metrics.NewReporter(r.version)

	r.pool = loadctrl.NewUserPool(loadctrl.UserPoolConfig{
		Users:       cfg.Users.Count,
		SpawnRate:   cfg.Users.SpawnRate,
		StopTimeout: cfg.Users.StopTimeout,
	}, r.runUser)

	return r, nil
}

// Run starts the users, keeps them running for the configured duration
// and returns the final metrics. Cancelling ctx ends the run early and
// interrupts journeys in flight; reaching the duration lets each user
// finish its journey within users.stopTimeout.
func (r *Runner) Run(ctx context.Context) (metrics.Snapshot, error) {
	if r.running.Swap(true) {
		return metrics.Snapshot{}, ErrAlreadyRunning
	}
	defer r.running.Store(false)
	defer r.factory.Close()

	r.logger.Info("starting load test",
		zap.String("name", r.cfg.Name),
		zap.String("target", r.factory.BaseURL()),
		zap.Int("users", r.cfg.Users.Count),
		zap.Float64("spawn_rate", r.cfg.Users.SpawnRate),
		zap.Duration("duration", r.cfg.Duration),
		zap.Uint64("seed", r.cfg.Seed),
	)

	if r.exporter != nil {
		if err := r.exporter.Start(); err != nil {
			return metrics.Snapshot{}, fmt.Errorf("starting prometheus exporter: %w", err)
		}
		r.logger.Info("prometheus exporter listening",
			zap.String("address", r.exporter.GetAddress()),
			zap.String("path", r.exporter.GetPath()),
		)
	}

	r.collector.Start()

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Duration)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		r.pool.Start(ctx)
		<-gctx.Done()
		r.logger.Info("stopping users",
			zap.Int("active", r.pool.CurrentSize()),
			zap.Int64("requests", r.collector.GetTotalRequests()),
			zap.Int64("failed", r.collector.GetFailedRequests()),
		)
		r.pool.Stop()
		return nil
	})

	g.Go(func() error {
		r.console.Run(gctx, r.collector, r.pool.CurrentSize)
		return nil
	})

	if r.exporter != nil {
		g.Go(func() error {
			r.refreshGauges(gctx)
			return nil
		})
	}

	err := g.Wait()
	r.collector.Stop()
	snapshot := r.collector.Snapshot()

	if r.exporter != nil {
		r.exporter.UpdateActiveUsers(0)
		r.exporter.UpdateFromSnapshot(snapshot)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if stopErr := r.exporter.Stop(shutdownCtx); stopErr != nil {
			r.logger.Warn("stopping prometheus exporter", zap.Error(stopErr))
		}
		shutdownCancel()
		if serveErr := r.exporter.LastError(); serveErr != nil {
			r.logger.Warn("prometheus exporter failed during the run", zap.Error(serveErr))
		}
	}
	if err != nil {
		return snapshot, err
	}

	if ctx.Err() != nil {
		r.logger.Warn("load test interrupted", zap.Error(ctx.Err()))
	}
	r.logger.Info("load test finished",
		zap.Int64("requests", snapshot.TotalRequests),
		zap.Int64("failed", snapshot.FailedRequests),
		zap.Int64("journeys", snapshot.JourneysCompleted),
		zap.Int64("aborted", snapshot.JourneysAborted),
	)

	r.console.PrintFinalReport(snapshot, r.runStats())

	if r.cfg.Output.JSON.Enabled {
		report := r.reporter.GenerateReport(snapshot, r.reportOptions())
		path, err := r.reporter.WriteToFile(report, r.cfg.Output.JSON.File)
		if err != nil {
			return snapshot, fmt.Errorf("writing JSON report: %w", err)
		}
		r.reportPath.Store(path)
		r.logger.Info("JSON report written", zap.String("path", path))
	}

	return snapshot, nil
}

// ReportPath returns the path of the JSON report written by the last run.
func (r *Runner) ReportPath() string {
	path, _ := r.reportPath.Load().(string)
	return path
}

// ActiveUsers returns the number of running virtual users.
func (r *Runner) ActiveUsers() int {
	return r.pool.CurrentSize()
}

// runUser keeps one virtual user cycling through journeys until it is
// stopped.
func (r *Runner) runUser(ctx context.Context, u *loadctrl.User) {
	logger := r.logger.With(zap.String("user", u.ID), zap.Int("vu", u.Index))
	rnd := r.newRandom(u.Index)
	j := journey.New(logger, rnd)

	for {
		err := r.runJourney(ctx, u, j, logger)

		wait := r.thinkTime(rnd)
		if err != nil {
			wait = max(wait, sessionRetryDelay)
			logger.Error("creating session", zap.Error(err), zap.Duration("retry_in", wait))
		}
		if !u.Wait(ctx, wait) {
			return
		}
	}
}

// runJourney runs and records one journey. It returns an error only when
// no session could be created; journey outcomes are recorded instead.
func (r *Runner) runJourney(ctx context.Context, u *loadctrl.User, j *journey.Journey, logger *zap.Logger) error {
	session, err := r.newSession()
	if err != nil {
		return err
	}
	defer session.Close()

	start := time.Now()
	summary, err := j.Run(ctx, session)
	result := metrics.JourneyResult{
		UserID:           u.ID,
		Username:         fmt.Sprint(summary.Username),
		BrowseIterations: summary.BrowseIterations,
		Purchased:        summary.Purchased,
		Requests:         summary.Requests,
		Failures:         summary.Failures,
		Duration:         time.Since(start),
		Aborted:          err != nil,
	}

	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown; not an outcome of the store.
		logger.Debug("journey interrupted", zap.Error(err))
		return nil
	}
	if err != nil {
		logger.Warn("journey aborted", zap.Error(err), zap.Int("requests", summary.Requests))
	}

	r.journeys.RecordJourney(result)
	return nil
}

// newRandom returns the random source of the user with the given index.
func (r *Runner) newRandom(index int) *gofakeit.Faker {
	// A zero seed draws one from crypto/rand.
	if r.cfg.Seed == 0 {
		return gofakeit.New(0)
	}
	return gofakeit.New(r.cfg.Seed + uint64(index))
}

// thinkTime draws the pause between two journeys.
func (r *Runner) thinkTime(rnd *gofakeit.Faker) time.Duration {
	minWait, maxWait := r.cfg.Users.WaitTime.Min, r.cfg.Users.WaitTime.Max
	if maxWait <= minWait {
		return minWait
	}
	return time.Duration(rnd.Float64Range(float64(minWait), float64(maxWait)))
}

func (r *Runner) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.exporter.UpdateActiveUsers(r.pool.CurrentSize())
			r.exporter.UpdateRates(r.collector.GetCurrentQPS(), r.collector.GetSuccessRate())
		}
	}
}

func (r *Runner) reportOptions() metrics.ReportOptions {
	opts := metrics.ReportOptions{
		ConfigName:        r.cfg.Name,
		ConfigDescription: r.cfg.Description,
		TargetBaseURL:     r.factory.BaseURL(),
		TestDuration:      r.cfg.Duration,
		Users:             r.cfg.Users.Count,
		SpawnRate:         r.cfg.Users.SpawnRate,
		WaitMin:           r.cfg.Users.WaitTime.Min,
		WaitMax:           r.cfg.Users.WaitTime.Max,
		Seed:              r.cfg.Seed,
		Run:               r.runStats(),
	}
	if r.limiter != nil {
		opts.RateLimiterType = string(loadctrl.RateLimiterTokenBucket)
		opts.RateLimiterQPS = r.cfg.RateLimiter.QPS
		opts.RateLimiterBurst = r.cfg.RateLimiter.BurstSize
		if tb, ok := r.limiter.(*loadctrl.TokenBucketLimiter); ok {
			opts.RateLimiterBurst = tb.BurstSize()
		}
	}
	return opts
}

// runStats reports how many users ran and how long requests waited for
// the rate limiter.
func (r *Runner) runStats() metrics.RunStats {
	pool := r.pool.Stats()
	stats := metrics.RunStats{
		UsersSpawned: pool.Spawned,
		UsersStopped: pool.Stopped,
	}
	if r.limiter != nil {
		limiter := r.limiter.Stats()
		stats.RateLimited = true
		stats.RateLimitAcquired = limiter.TotalAcquired
		stats.RateLimitAvgWait = limiter.AvgWaitTime
	}
	return stats
}
