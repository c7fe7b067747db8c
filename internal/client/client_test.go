package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/teastore/tools/loadgen/internal/config"
	"github.com/example/teastore/tools/loadgen/internal/loadctrl"
	"github.com/example/teastore/tools/loadgen/internal/metrics"
)

type recorder struct {
	mu      sync.Mutex
	results []metrics.Result
}

func (r *recorder) Record(result metrics.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *recorder) all() []metrics.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]metrics.Result(nil), r.results...)
}

func newTestFactory(t *testing.T, baseURL string, opts ...Option) *Factory {
	t.Helper()
	f, err := NewFactory(config.TargetConfig{BaseURL: baseURL, Timeout: 5 * time.Second}, opts...)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

func TestNewFactory(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
		want    string
	}{
		{name: "host only", baseURL: "http://localhost:8080", want: "http://localhost:8080"},
		{name: "path prefix", baseURL: "http://localhost:8080/tools.descartes.teastore.webui/", want: "http://localhost:8080/tools.descartes.teastore.webui"},
		{name: "https", baseURL: "https://store.example.com", want: "https://store.example.com"},
		{name: "empty", baseURL: "", wantErr: true},
		{name: "relative", baseURL: "/webui", wantErr: true},
		{name: "bad scheme", baseURL: "ftp://localhost", wantErr: true},
		{name: "unparsable", baseURL: "http://[::1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFactory(config.TargetConfig{BaseURL: tt.baseURL})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBaseURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.BaseURL())
		})
	}
}

func TestFactory_URL(t *testing.T) {
	f := newTestFactory(t, "http://localhost:8080/tools.descartes.teastore.webui")

	assert.Equal(t, "http://localhost:8080/tools.descartes.teastore.webui/", f.URL("/", nil))
	assert.Equal(t,
		"http://localhost:8080/tools.descartes.teastore.webui/category?page=3&category=2",
		f.URL("/category", P("page", "3", "category", "2")))
	assert.Equal(t,
		"http://localhost:8080/tools.descartes.teastore.webui/cartAction?addToCart=&productid=7",
		f.URL("cartAction", P("addToCart", "", "productid", "7")))
}

func TestSession_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/webui/loginAction", r.URL.Path)
		assert.Equal(t, "username=5&password=password", r.URL.RawQuery)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, int64(0), r.ContentLength)
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		_, _ = w.Write([]byte("welcome"))
	}))
	defer server.Close()

	rec := &recorder{}
	f := newTestFactory(t, server.URL+"/webui", WithRecorder(rec))
	s, err := f.NewSession()
	require.NoError(t, err)
	defer s.Close()

	resp, err := s.Do(context.Background(), Request{
		Name:    "login",
		Method:  http.MethodPost,
		Path:    "/loginAction",
		Params:  P("username", "5", "password", "password"),
		Headers: map[string]string{"X-Test": "yes"},
	})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len("welcome")), resp.Size)

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, "login", results[0].Name)
	assert.Equal(t, http.MethodPost, results[0].Method)
	assert.True(t, results[0].Success)
	assert.Equal(t, int64(7), results[0].ResponseSize)
}

func TestSession_NonSuccessStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	rec := &recorder{}
	s, err := newTestFactory(t, server.URL, WithRecorder(rec)).NewSession()
	require.NoError(t, err)

	resp, err := s.Do(context.Background(), Request{Path: "/product"})
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	results := rec.all()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "/product", results[0].Name)
	assert.Equal(t, http.MethodGet, results[0].Method)
}

func TestSession_TransportErrorIsRecorded(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	rec := &recorder{}
	s, err := newTestFactory(t, url, WithRecorder(rec)).NewSession()
	require.NoError(t, err)

	resp, err := s.Do(context.Background(), Request{Name: "home", Path: "/"})
	assert.Error(t, err)
	assert.Nil(t, resp)

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].StatusCode)
	assert.False(t, results[0].Success)
	assert.Error(t, results[0].Error)
}

func TestSession_CookiesPerSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		case "/profile":
			if c, err := r.Cookie("sid"); err != nil || c.Value != "abc" {
				w.WriteHeader(http.StatusUnauthorized)
			}
		}
	}))
	defer server.Close()

	f := newTestFactory(t, server.URL)
	ctx := context.Background()

	first, err := f.NewSession()
	require.NoError(t, err)
	_, err = first.Do(ctx, Request{Path: "/login"})
	require.NoError(t, err)

	resp, err := first.Do(ctx, Request{Path: "/profile"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	second, err := f.NewSession()
	require.NoError(t, err)
	resp, err = second.Do(ctx, Request{Path: "/profile"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSession_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("login page"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s, err := newTestFactory(t, server.URL).NewSession()
	require.NoError(t, err)

	resp, err := s.Do(context.Background(), Request{Path: "/profile"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, server.URL+"/login", resp.URL)
}

func TestSession_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := newTestFactory(t, server.URL).NewSession()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Do(ctx, Request{Path: "/"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSession_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	limiter := loadctrl.NewTokenBucketLimiter(20, 1)
	s, err := newTestFactory(t, server.URL, WithRateLimiter(limiter)).NewSession()
	require.NoError(t, err)

	start := time.Now()
	for range 3 {
		_, err := s.Do(context.Background(), Request{Path: "/"})
		require.NoError(t, err)
	}

	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int64(3), limiter.Stats().TotalAcquired)
}

func TestSession_Close(t *testing.T) {
	s, err := newTestFactory(t, "http://localhost:1").NewSession()
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Do(context.Background(), Request{Path: "/"})
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestResponse_OK(t *testing.T) {
	var nilResp *Response
	assert.False(t, nilResp.OK())
	assert.True(t, (&Response{StatusCode: 200}).OK())
	assert.True(t, (&Response{StatusCode: 204}).OK())
	assert.False(t, (&Response{StatusCode: 302}).OK())
	assert.False(t, (&Response{StatusCode: 404}).OK())
}

func TestParams(t *testing.T) {
	params := P("logout")
	assert.Equal(t, "logout=", params.Encode())
	assert.Equal(t, "", Params(nil).Encode())

	params = P("page", "1", "category", "2")
	assert.Equal(t, "2", params.Get("category"))
	assert.Equal(t, "", params.Get("missing"))
}
