// Package client provides the HTTP sessions virtual users drive the store
// with. A Factory owns the shared transport; every journey gets its own
// Session with a fresh cookie jar.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/example/teastore/tools/loadgen/internal/config"
	"github.com/example/teastore/tools/loadgen/internal/loadctrl"
	"github.com/example/teastore/tools/loadgen/internal/metrics"
)

// DefaultUserAgent is sent unless the target headers override it.
const DefaultUserAgent = "TeaStore-LoadGen/1.0"

var (
	// ErrInvalidBaseURL is returned when the target base URL is missing or
	// not an absolute http(s) URL.
	ErrInvalidBaseURL = errors.New("invalid base URL")

	// ErrSessionClosed is returned by Do after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Request represents an HTTP request to be executed.
type Request struct {
	// Name groups the request in statistics. Defaults to Path.
	Name    string
	Method  string
	Path    string
	Params  Params
	Headers map[string]string
}

// Response represents an HTTP response. The body is drained and
// discarded; only its size is kept.
type Response struct {
	StatusCode int
	Size       int64
	Duration   time.Duration
	// URL is the final URL after redirects.
	URL string
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Option configures a Factory.
type Option func(*Factory)

// WithRateLimiter makes every session wait on l before each request.
func WithRateLimiter(l loadctrl.RateLimiter) Option {
	return func(f *Factory) {
		f.limiter = l
	}
}

// WithRecorder sends the result of every request to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(f *Factory) {
		f.recorder = r
	}
}

// WithTransport replaces the default transport. The factory does not
// close idle connections of a transport it did not create.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Factory) {
		f.transport = rt
		f.ownsTransport = false
	}
}

// Factory creates sessions against one target.
//
// Thread Safety: Safe for concurrent use.
type Factory struct {
	baseURL       *url.URL
	timeout       time.Duration
	headers       map[string]string
	transport     http.RoundTripper
	ownsTransport bool
	limiter       loadctrl.RateLimiter
	recorder      metrics.Recorder
}

// NewFactory creates a session factory for the given target.
func NewFactory(cfg config.TargetConfig, opts ...Option) (*Factory, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrInvalidBaseURL)
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: %q must be an absolute http or https URL", ErrInvalidBaseURL, cfg.BaseURL)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	base.RawPath = ""
	base.RawQuery = ""
	base.Fragment = ""

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	f := &Factory{
		baseURL: base,
		timeout: cfg.Timeout,
		headers: map[string]string{"User-Agent": DefaultUserAgent},
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // opt-in for test targets
			},
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
		ownsTransport: true,
	}
	for k, v := range cfg.Headers {
		f.headers[k] = v
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

// BaseURL returns the normalized base URL.
func (f *Factory) BaseURL() string {
	return f.baseURL.String()
}

// URL resolves path and params against the base URL, keeping the base
// path as a prefix.
func (f *Factory) URL(path string, params Params) string {
	u := *f.baseURL
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = f.baseURL.Path + path
	u.RawQuery = params.Encode()
	return u.String()
}

// NewSession creates a session with an empty cookie jar.
func (f *Factory) NewSession() (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	return &Session{
		factory: f,
		http: &http.Client{
			Transport: f.transport,
			Jar:       jar,
			Timeout:   f.timeout,
		},
	}, nil
}

// Close releases idle connections of the factory's own transport.
func (f *Factory) Close() {
	if t, ok := f.transport.(*http.Transport); ok && f.ownsTransport {
		t.CloseIdleConnections()
	}
}

// Session is the HTTP handle of one journey. Cookies set by the store
// persist between its requests.
//
// Thread Safety: Requests of one session should be sequential, as a
// browser tab would send them.
type Session struct {
	factory *Factory
	http    *http.Client
	closed  atomic.Bool
}

// Do sends req and returns the response. A non-2xx status is not an
// error; transport failures and cancellation are. Every attempt that
// reaches the transport is recorded.
func (s *Session) Do(ctx context.Context, req Request) (*Response, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	f := s.factory
	if f.limiter != nil {
		if err := f.limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	name := req.Name
	if name == "" {
		name = req.Path
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, f.URL(req.Path, req.Params), nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	for k, v := range f.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := s.http.Do(httpReq)
	if err != nil {
		f.record(metrics.Result{
			Name:      name,
			Method:    method,
			Path:      req.Path,
			Latency:   time.Since(start),
			Timestamp: start,
			Error:     err,
		})
		return nil, err
	}

	size, readErr := io.Copy(io.Discard, httpResp.Body)
	httpResp.Body.Close()
	duration := time.Since(start)

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Size:       size,
		Duration:   duration,
		URL:        httpResp.Request.URL.String(),
	}

	f.record(metrics.Result{
		Name:         name,
		Method:       method,
		Path:         req.Path,
		StatusCode:   resp.StatusCode,
		Latency:      duration,
		Success:      resp.OK() && readErr == nil,
		ResponseSize: size,
		Timestamp:    start,
		Error:        readErr,
	})

	if readErr != nil {
		return resp, fmt.Errorf("reading response body: %w", readErr)
	}
	return resp, nil
}

// Close ends the session and drops its cookies. The shared transport
// stays open for other sessions.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.http.Jar = nil
	return nil
}

func (f *Factory) record(result metrics.Result) {
	if f.recorder != nil {
		f.recorder.Record(result)
	}
}
