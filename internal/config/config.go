// Package config provides configuration structures for the load generator.
// The main Config struct ties together all loadgen components.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/example/teastore/tools/loadgen/internal/loadctrl"
	"github.com/example/teastore/tools/loadgen/internal/logger"
	"gopkg.in/yaml.v3"
)

// Errors returned by the config package.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("config: invalid configuration")
	// ErrConfigNotFound is returned when the config file is not found.
	ErrConfigNotFound = errors.New("config: configuration file not found")
)

// Config is the root configuration structure for the load generator.
type Config struct {
	// Name is a descriptive name for this configuration.
	Name string `yaml:"name" json:"name"`

	// Description provides additional context about the configuration.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version is the configuration schema version.
	Version string `yaml:"version" json:"version"`

	// Target is the storefront under test.
	Target TargetConfig `yaml:"target" json:"target"`

	// Users configures the virtual user population.
	Users UsersConfig `yaml:"users" json:"users"`

	// Duration is the total duration of the load test.
	// Default: 5m
	Duration time.Duration `yaml:"duration" json:"duration"`

	// Seed makes the random draws of every virtual user reproducible.
	// Zero means a fresh random seed per user.
	Seed uint64 `yaml:"seed,omitempty" json:"seed,omitempty"`

	// RateLimiter caps the request rate across all users. Zero QPS means unlimited.
	RateLimiter loadctrl.RateLimiterConfig `yaml:"rateLimiter,omitempty" json:"rateLimiter,omitempty"`

	// Logging configures the journey log stream.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`

	// Output configures output and reporting.
	Output OutputConfig `yaml:"output,omitempty" json:"output,omitempty"`
}

// TargetConfig holds target system configuration.
type TargetConfig struct {
	// BaseURL is the WebUI root, e.g. "http://localhost:8080/tools.descartes.teastore.webui".
	// Journey paths are appended to its path.
	BaseURL string `yaml:"baseURL" json:"baseURL"`

	// Timeout is the per-request timeout.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// TLSSkipVerify skips TLS certificate verification (for testing only).
	TLSSkipVerify bool `yaml:"tlsSkipVerify,omitempty" json:"tlsSkipVerify,omitempty"`

	// Headers are additional headers to include in all requests.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// UsersConfig configures how many virtual users run and how fast they start.
type UsersConfig struct {
	// Count is the number of concurrent virtual users.
	// Default: 1
	Count int `yaml:"count" json:"count"`

	// SpawnRate is the number of users started (or stopped) per second.
	// Default: 1
	SpawnRate float64 `yaml:"spawnRate" json:"spawnRate"`

	// StopTimeout is how long a stopping user may finish its current journey
	// before it is cancelled. Zero cancels immediately.
	StopTimeout time.Duration `yaml:"stopTimeout,omitempty" json:"stopTimeout,omitempty"`

	// WaitTime is the think time between two journeys of the same user,
	// drawn uniformly from [Min, Max].
	WaitTime WaitTimeConfig `yaml:"waitTime,omitempty" json:"waitTime,omitempty"`
}

// WaitTimeConfig is an inclusive think-time range.
type WaitTimeConfig struct {
	Min time.Duration `yaml:"min,omitempty" json:"min,omitempty"`
	Max time.Duration `yaml:"max,omitempty" json:"max,omitempty"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Format is console or json.
	// Default: console
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// Output is stdout, stderr or a file path.
	// Default: stdout
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// LoggerConfig converts the section into a logger.Config.
func (l LoggingConfig) LoggerConfig() *logger.Config {
	cfg := logger.DefaultConfig()
	if l.Level != "" {
		cfg.Level = l.Level
	}
	if l.Format != "" {
		cfg.Format = l.Format
	}
	if l.Output != "" {
		cfg.Output = l.Output
	}
	return cfg
}

// OutputConfig configures output and reporting.
type OutputConfig struct {
	// ReportInterval is how often to print progress lines.
	// Default: 10s
	ReportInterval time.Duration `yaml:"reportInterval,omitempty" json:"reportInterval,omitempty"`

	// Verbose adds the per-request table to the final report.
	Verbose bool `yaml:"verbose,omitempty" json:"verbose,omitempty"`

	// JSON configures the JSON report file.
	JSON JSONOutputConfig `yaml:"json,omitempty" json:"json,omitempty"`

	// Prometheus configures the metrics endpoint.
	Prometheus PrometheusOutputConfig `yaml:"prometheus,omitempty" json:"prometheus,omitempty"`
}

// JSONOutputConfig configures the JSON report.
type JSONOutputConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// File is the report path. Supports {{.Timestamp}}.
	// Default: loadgen-report-{{.Timestamp}}.json
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// PrometheusOutputConfig configures the Prometheus exporter.
type PrometheusOutputConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Port is the listen port. Default: 9090
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// Path is the scrape path. Default: /metrics
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Default returns a ready-to-use configuration for baseURL.
func Default(baseURL string) *Config {
	cfg := &Config{
		Name:   "teastore",
		Target: TargetConfig{BaseURL: baseURL},
	}
	cfg.ApplyDefaults()
	return cfg
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Validate validates the configuration. Zero values are allowed wherever
// ApplyDefaults fills them in.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}

	if c.Target.BaseURL == "" {
		return fmt.Errorf("%w: target.baseURL is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.Target.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: target.baseURL must be an absolute http(s) URL: %q", ErrInvalidConfig, c.Target.BaseURL)
	}
	if c.Target.Timeout < 0 {
		return fmt.Errorf("%w: target.timeout must not be negative", ErrInvalidConfig)
	}

	if c.Users.Count < 0 {
		return fmt.Errorf("%w: users.count must not be negative", ErrInvalidConfig)
	}
	if c.Users.SpawnRate < 0 {
		return fmt.Errorf("%w: users.spawnRate must not be negative", ErrInvalidConfig)
	}
	if c.Users.StopTimeout < 0 {
		return fmt.Errorf("%w: users.stopTimeout must not be negative", ErrInvalidConfig)
	}
	if c.Users.WaitTime.Min < 0 || c.Users.WaitTime.Max < c.Users.WaitTime.Min {
		return fmt.Errorf("%w: users.waitTime must satisfy 0 <= min <= max", ErrInvalidConfig)
	}

	if c.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidConfig)
	}

	if c.RateLimiter.QPS < 0 {
		return fmt.Errorf("%w: rateLimiter.qps must not be negative", ErrInvalidConfig)
	}

	if !logger.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("%w: unknown logging.level %q", ErrInvalidConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("%w: logging.format must be console or json", ErrInvalidConfig)
	}

	if p := c.Output.Prometheus.Port; p < 0 || p > 65535 {
		return fmt.Errorf("%w: output.prometheus.port out of range: %d", ErrInvalidConfig, p)
	}

	return nil
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}

	if c.Duration == 0 {
		c.Duration = 5 * time.Minute
	}

	if c.Target.Timeout == 0 {
		c.Target.Timeout = 30 * time.Second
	}

	if c.Users.Count == 0 {
		c.Users.Count = 1
	}
	if c.Users.SpawnRate == 0 {
		c.Users.SpawnRate = 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Output.ReportInterval == 0 {
		c.Output.ReportInterval = 10 * time.Second
	}
	if c.Output.JSON.File == "" {
		c.Output.JSON.File = "loadgen-report-{{.Timestamp}}.json"
	}
	if c.Output.Prometheus.Port == 0 {
		c.Output.Prometheus.Port = 9090
	}
	if c.Output.Prometheus.Path == "" {
		c.Output.Prometheus.Path = "/metrics"
	}
}

// RampUpDuration is how long it takes to start all users at the spawn rate.
func (c *Config) RampUpDuration() time.Duration {
	if c.Users.SpawnRate <= 0 || c.Users.Count <= 1 {
		return 0
	}
	return time.Duration(float64(c.Users.Count-1) / c.Users.SpawnRate * float64(time.Second))
}
