package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		c := NewCollector(CollectorConfig{})
		require.NotNil(t, c)
		assert.Equal(t, 100000, c.maxLatencies)
	})

	t.Run("custom config", func(t *testing.T) {
		c := NewCollector(CollectorConfig{MaxLatencies: 500, EnableRequestStats: true})
		require.NotNil(t, c)
		assert.Equal(t, 500, c.maxLatencies)
	})
}

func TestCollector_Record(t *testing.T) {
	t.Run("success request", func(t *testing.T) {
		c := NewCollector(DefaultCollectorConfig())
		c.Start()

		c.Record(Result{
			Name:         "category",
			Method:       "GET",
			Path:         "/category",
			StatusCode:   200,
			Latency:      100 * time.Millisecond,
			Success:      true,
			ResponseSize: 1024,
			Timestamp:    time.Now(),
		})

		assert.Equal(t, int64(1), c.GetTotalRequests())
		assert.Equal(t, int64(0), c.GetFailedRequests())
		assert.Equal(t, 100.0, c.GetSuccessRate())
	})

	t.Run("transport error has no status code", func(t *testing.T) {
		c := NewCollector(DefaultCollectorConfig())

		c.Record(Result{Name: "home", Error: errors.New("connection refused")})

		snap := c.Snapshot()
		assert.Equal(t, int64(1), snap.FailedRequests)
		assert.Empty(t, snap.StatusCodes)
		require.Contains(t, snap.RequestStats, "home")
		assert.Equal(t, int64(1), snap.RequestStats["home"].FailedRequests)
	})

	t.Run("mixed requests", func(t *testing.T) {
		c := NewCollector(DefaultCollectorConfig())

		for range 8 {
			c.Record(Result{Success: true, StatusCode: 200, Latency: 10 * time.Millisecond})
		}
		for range 2 {
			c.Record(Result{Success: false, StatusCode: 500, Latency: 50 * time.Millisecond})
		}

		assert.Equal(t, int64(10), c.GetTotalRequests())
		assert.Equal(t, int64(2), c.GetFailedRequests())
		assert.Equal(t, 80.0, c.GetSuccessRate())
	})
}

func TestCollector_RecordJourney(t *testing.T) {
	c := NewCollector(DefaultCollectorConfig())

	c.RecordJourney(JourneyResult{BrowseIterations: 3, Purchased: true})
	c.RecordJourney(JourneyResult{BrowseIterations: 1})
	c.RecordJourney(JourneyResult{BrowseIterations: 2, Purchased: true})
	c.RecordJourney(JourneyResult{BrowseIterations: 4})
	c.RecordJourney(JourneyResult{BrowseIterations: 1, Aborted: true})

	snap := c.Snapshot()
	assert.Equal(t, int64(4), snap.JourneysCompleted)
	assert.Equal(t, int64(1), snap.JourneysAborted)
	assert.Equal(t, int64(5), snap.Journeys())
	assert.Equal(t, int64(2), snap.Purchases)
	assert.Equal(t, int64(11), snap.BrowseIterations)
	assert.Equal(t, 50.0, snap.PurchaseRate)
	assert.Equal(t, 50.0, c.PurchaseRate())
}

func TestCollector_RecordJourney_AbortedCheckoutIsNotAPurchase(t *testing.T) {
	c := NewCollector(DefaultCollectorConfig())

	c.RecordJourney(JourneyResult{BrowseIterations: 1})
	for range 3 {
		c.RecordJourney(JourneyResult{BrowseIterations: 2, Purchased: true, Aborted: true})
	}

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.JourneysCompleted)
	assert.Equal(t, int64(3), snap.JourneysAborted)
	assert.Equal(t, int64(0), snap.Purchases)
	assert.Equal(t, 0.0, snap.PurchaseRate)
	assert.Equal(t, int64(7), snap.BrowseIterations)

	c.RecordJourney(JourneyResult{BrowseIterations: 1, Purchased: true})
	assert.Equal(t, 50.0, c.PurchaseRate())
	assert.LessOrEqual(t, c.PurchaseRate(), 100.0)
}

func TestCollector_PurchaseRateEmpty(t *testing.T) {
	c := NewCollector(DefaultCollectorConfig())
	assert.Equal(t, 0.0, c.PurchaseRate())

	c.RecordJourney(JourneyResult{Aborted: true})
	assert.Equal(t, 0.0, c.PurchaseRate())
}

func TestCollector_Snapshot(t *testing.T) {
	c := NewCollector(DefaultCollectorConfig())
	c.Start()

	c.Record(Result{Name: "home", StatusCode: 200, Success: true, Latency: 10 * time.Millisecond, ResponseSize: 100})
	c.Record(Result{Name: "home", StatusCode: 200, Success: true, Latency: 30 * time.Millisecond, ResponseSize: 100})
	c.Record(Result{Name: "product", StatusCode: 404, Success: false, Latency: 20 * time.Millisecond, ResponseSize: 50})

	time.Sleep(10 * time.Millisecond)
	c.Stop()

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.SuccessRequests)
	assert.Equal(t, int64(1), snap.FailedRequests)
	assert.Equal(t, int64(250), snap.TotalBytes)
	assert.Equal(t, 10*time.Millisecond, snap.MinLatency)
	assert.Equal(t, 30*time.Millisecond, snap.MaxLatency)
	assert.Equal(t, 20*time.Millisecond, snap.AvgLatency)
	assert.Greater(t, snap.Duration, time.Duration(0))
	assert.Greater(t, snap.QPS, 0.0)
	assert.Equal(t, map[int]int64{200: 2, 404: 1}, snap.StatusCodes)

	require.Len(t, snap.RequestStats, 2)
	home := snap.RequestStats["home"]
	assert.Equal(t, int64(2), home.TotalRequests)
	assert.Equal(t, 20*time.Millisecond, home.AvgLatency)
	assert.Equal(t, 100.0, home.SuccessRate)
	assert.Equal(t, 0.0, snap.RequestStats["product"].SuccessRate)
}

func TestCollector_RequestStatsDisabled(t *testing.T) {
	c := NewCollector(CollectorConfig{EnableRequestStats: false})
	c.Record(Result{Name: "home", Success: true})

	assert.Empty(t, c.Snapshot().RequestStats)
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector(DefaultCollectorConfig())
	c.Start()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.Record(Result{Name: "home", Success: true, StatusCode: 200, Latency: time.Millisecond})
				c.RecordJourney(JourneyResult{BrowseIterations: 1})
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(1000), snap.TotalRequests)
	assert.Equal(t, int64(1000), snap.JourneysCompleted)
	assert.Equal(t, int64(1000), snap.RequestStats["home"].TotalRequests)
}

func TestCollector_LatencyPercentiles(t *testing.T) {
	c := NewCollector(DefaultCollectorConfig())

	for i := 1; i <= 100; i++ {
		c.Record(Result{Name: "product", Success: true, Latency: time.Duration(i) * time.Millisecond})
	}

	snap := c.Snapshot()
	assert.Equal(t, 51*time.Millisecond, snap.P50Latency)
	assert.Equal(t, 96*time.Millisecond, snap.P95Latency)
	assert.Equal(t, 100*time.Millisecond, snap.P99Latency)
	assert.Equal(t, snap.P95Latency, snap.RequestStats["product"].P95Latency)
}

func TestCollector_LatencySampling(t *testing.T) {
	c := NewCollector(CollectorConfig{MaxLatencies: 10})

	for i := range 25 {
		c.Record(Result{Latency: time.Duration(i+1) * time.Millisecond})
	}

	c.latencyMu.RLock()
	n := len(c.latencies)
	c.latencyMu.RUnlock()
	assert.LessOrEqual(t, n, 10)
	assert.Equal(t, 25*time.Millisecond, c.Snapshot().MaxLatency)
}

func TestCollector_Duration(t *testing.T) {
	c := NewCollector(DefaultCollectorConfig())
	assert.Zero(t, c.Duration())
	assert.Zero(t, c.GetCurrentQPS())

	c.Start()
	time.Sleep(5 * time.Millisecond)
	c.Stop()

	d := c.Duration()
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, d, c.Duration())
}

func TestPercentileIndex(t *testing.T) {
	assert.Equal(t, 0, percentileIndex(1, 0.99))
	assert.Equal(t, 50, percentileIndex(100, 0.50))
	assert.Equal(t, 99, percentileIndex(100, 1.0))
}

type journeyOnly struct {
	results  []Result
	journeys []JourneyResult
}

func (j *journeyOnly) Record(r Result)               { j.results = append(j.results, r) }
func (j *journeyOnly) RecordJourney(r JourneyResult) { j.journeys = append(j.journeys, r) }

type requestOnly struct{ results []Result }

func (r *requestOnly) Record(res Result) { r.results = append(r.results, res) }

func TestMulti(t *testing.T) {
	a := &journeyOnly{}
	b := &requestOnly{}

	m := Multi(a, nil, b)
	m.Record(Result{Name: "home"})
	m.RecordJourney(JourneyResult{Purchased: true})

	assert.Len(t, a.results, 1)
	assert.Len(t, b.results, 1)
	assert.Len(t, a.journeys, 1)
}
