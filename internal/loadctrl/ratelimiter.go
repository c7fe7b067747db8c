// Package loadctrl provides the load control components of the load
// generator: the request rate limiter and the virtual user pool.
package loadctrl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterType defines the type of rate limiter algorithm.
type RateLimiterType string

// RateLimiterTokenBucket is the only supported algorithm.
const RateLimiterTokenBucket RateLimiterType = "token_bucket"

// RateLimiter defines the interface for rate limiting strategies.
//
// Thread Safety: Implementations must be safe for concurrent use by multiple goroutines.
type RateLimiter interface {
	// Acquire blocks until a request slot is available or context is cancelled.
	Acquire(ctx context.Context) error

	// TryAcquire attempts to acquire a request slot without blocking.
	TryAcquire() bool

	// SetRate dynamically adjusts the rate limit.
	SetRate(qps float64)

	// CurrentRate returns the current rate limit in QPS.
	CurrentRate() float64

	// Stats returns current statistics about the rate limiter.
	Stats() RateLimiterStats
}

// RateLimiterStats contains statistics about rate limiter usage.
type RateLimiterStats struct {
	// TotalAcquired is the total number of successful acquisitions.
	TotalAcquired int64
	// TotalRejected is the total number of rejected acquisitions (TryAcquire failures).
	TotalRejected int64
	// CurrentQPS is the current configured QPS.
	CurrentQPS float64
	// AvgWaitTime is the average time spent waiting in Acquire calls.
	AvgWaitTime time.Duration
}

// RateLimiterConfig holds configuration for creating a rate limiter.
type RateLimiterConfig struct {
	// Type specifies the rate limiter algorithm. Default: token_bucket.
	Type RateLimiterType `yaml:"type,omitempty" json:"type,omitempty"`
	// QPS is the request ceiling across all virtual users. Zero disables limiting.
	QPS float64 `yaml:"qps" json:"qps"`
	// BurstSize is the maximum burst size. Default: max(1, int(QPS)).
	BurstSize int `yaml:"burstSize,omitempty" json:"burstSize,omitempty"`
}

// NewRateLimiter creates a rate limiter from configuration.
// It returns a nil limiter when QPS is zero, meaning unlimited.
func NewRateLimiter(config RateLimiterConfig) (RateLimiter, error) {
	switch config.Type {
	case RateLimiterTokenBucket, "":
	default:
		return nil, fmt.Errorf("loadctrl: unsupported rate limiter type %q", config.Type)
	}
	if config.QPS < 0 {
		return nil, fmt.Errorf("loadctrl: negative qps %v", config.QPS)
	}
	if config.QPS == 0 {
		return nil, nil
	}
	return NewTokenBucketLimiter(config.QPS, config.BurstSize), nil
}

// TokenBucketLimiter implements RateLimiter using the token bucket algorithm.
// It uses golang.org/x/time/rate under the hood.
//
// Thread Safety: Safe for concurrent use.
type TokenBucketLimiter struct {
	limiter   *rate.Limiter
	burstSize int
	qps       float64
	mu        sync.RWMutex

	// Statistics
	totalAcquired atomic.Int64
	totalRejected atomic.Int64
	totalWaitTime atomic.Int64 // in nanoseconds
	waitCount     atomic.Int64
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
// If burst is 0, it defaults to max(1, int(qps)).
func NewTokenBucketLimiter(qps float64, burst int) *TokenBucketLimiter {
	if qps <= 0 {
		qps = 1
	}
	if burst <= 0 {
		burst = max(1, int(qps))
	}
	return &TokenBucketLimiter{
		limiter:   rate.NewLimiter(rate.Limit(qps), burst),
		burstSize: burst,
		qps:       qps,
	}
}

// Acquire blocks until a request slot is available or context is cancelled.
func (l *TokenBucketLimiter) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	l.totalAcquired.Add(1)
	l.totalWaitTime.Add(int64(time.Since(start)))
	l.waitCount.Add(1)
	return nil
}

// TryAcquire attempts to acquire a request slot without blocking.
func (l *TokenBucketLimiter) TryAcquire() bool {
	if l.limiter.Allow() {
		l.totalAcquired.Add(1)
		return true
	}
	l.totalRejected.Add(1)
	return false
}

// SetRate dynamically adjusts the rate limit.
func (l *TokenBucketLimiter) SetRate(qps float64) {
	if qps <= 0 {
		qps = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.qps = qps
	l.limiter.SetLimit(rate.Limit(qps))
}

// CurrentRate returns the current rate limit in QPS.
func (l *TokenBucketLimiter) CurrentRate() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.qps
}

// BurstSize returns the configured burst size.
func (l *TokenBucketLimiter) BurstSize() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.burstSize
}

// Stats returns current statistics about the rate limiter.
func (l *TokenBucketLimiter) Stats() RateLimiterStats {
	var avgWait time.Duration
	if n := l.waitCount.Load(); n > 0 {
		avgWait = time.Duration(l.totalWaitTime.Load() / n)
	}

	return RateLimiterStats{
		TotalAcquired: l.totalAcquired.Load(),
		TotalRejected: l.totalRejected.Load(),
		CurrentQPS:    l.CurrentRate(),
		AvgWaitTime:   avgWait,
	}
}
