package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findFamily(t *testing.T, e *PrometheusExporter, name string) *dto.MetricFamily {
	t.Helper()
	families, err := e.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestNewPrometheusExporter(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		exporter := NewPrometheusExporter(PrometheusExporterConfig{})

		assert.Equal(t, "/metrics", exporter.GetPath())
		assert.Equal(t, "http://localhost:9090/metrics", exporter.GetAddress())
		assert.NoError(t, exporter.LastError())
	})

	t.Run("custom namespace", func(t *testing.T) {
		exporter := NewPrometheusExporter(PrometheusExporterConfig{Namespace: "teastore"})
		exporter.UpdateActiveUsers(3)

		findFamily(t, exporter, "teastore_active_users")
	})
}

func TestDefaultPrometheusExporterConfig(t *testing.T) {
	config := DefaultPrometheusExporterConfig()

	assert.Equal(t, 9090, config.Port)
	assert.Equal(t, "/metrics", config.Path)
	assert.Equal(t, prometheus.DefBuckets, config.HistogramBuckets)
}

func TestPrometheusExporter_Record(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultPrometheusExporterConfig())

	exporter.Record(Result{Name: "category", Method: "GET", StatusCode: 200, Success: true, Latency: 20 * time.Millisecond, ResponseSize: 512})
	exporter.Record(Result{Name: "category", Method: "GET", StatusCode: 200, Success: true, Latency: 40 * time.Millisecond, ResponseSize: 512})
	exporter.Record(Result{Name: "product", Method: "GET", StatusCode: 0, Success: false})

	requests := findFamily(t, exporter, MetricRequestsTotal)
	counts := map[string]float64{}
	for _, m := range requests.GetMetric() {
		counts[labelValue(m, "name")+"/"+labelValue(m, "status")] = m.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, counts["category/200"])
	assert.Equal(t, 1.0, counts["product/0"])

	durations := findFamily(t, exporter, MetricRequestDurationSeconds)
	for _, m := range durations.GetMetric() {
		if labelValue(m, "name") == "category" {
			assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
			assert.InDelta(t, 0.06, m.GetHistogram().GetSampleSum(), 0.0001)
		}
	}

	bytes := findFamily(t, exporter, MetricResponseBytesTotal)
	assert.Equal(t, 1024.0, bytes.GetMetric()[0].GetCounter().GetValue())
}

func TestPrometheusExporter_RecordJourney(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultPrometheusExporterConfig())

	exporter.RecordJourney(JourneyResult{BrowseIterations: 2, Purchased: true})
	exporter.RecordJourney(JourneyResult{BrowseIterations: 3})
	exporter.RecordJourney(JourneyResult{BrowseIterations: 1, Purchased: true, Aborted: true})

	journeys := findFamily(t, exporter, MetricJourneysTotal)
	outcomes := map[string]float64{}
	for _, m := range journeys.GetMetric() {
		outcomes[labelValue(m, "outcome")] = m.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, outcomes[OutcomeCompleted])
	assert.Equal(t, 1.0, outcomes[OutcomeAborted])

	assert.Equal(t, 1.0, findFamily(t, exporter, MetricPurchasesTotal).GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 6.0, findFamily(t, exporter, MetricBrowseIterationsTotal).GetMetric()[0].GetCounter().GetValue())
}

func TestPrometheusExporter_Gauges(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultPrometheusExporterConfig())

	exporter.UpdateActiveUsers(7)
	exporter.UpdateFromSnapshot(Snapshot{QPS: 12.5, SuccessRate: 99})

	assert.Equal(t, 7.0, findFamily(t, exporter, MetricActiveUsers).GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 12.5, findFamily(t, exporter, MetricCurrentQPS).GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 99.0, findFamily(t, exporter, MetricSuccessRate).GetMetric()[0].GetGauge().GetValue())

	exporter.UpdateRates(3, 50)
	assert.Equal(t, 3.0, findFamily(t, exporter, MetricCurrentQPS).GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 50.0, findFamily(t, exporter, MetricSuccessRate).GetMetric()[0].GetGauge().GetValue())
}

func TestPrometheusExporter_StartStop(t *testing.T) {
	exporter := NewPrometheusExporter(PrometheusExporterConfig{ListenAddr: "127.0.0.1:0"})

	require.NoError(t, exporter.Start())
	require.NoError(t, exporter.Start())

	exporter.RecordJourney(JourneyResult{Purchased: true})

	resp, err := http.Get(exporter.GetAddress())
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), MetricPurchasesTotal)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	address := exporter.GetAddress()
	require.NoError(t, exporter.Stop(ctx))
	assert.NoError(t, exporter.Stop(ctx))
	assert.NoError(t, exporter.LastError())

	_, err = http.Get(address)
	assert.Error(t, err)
}

func TestPrometheusExporter_StartPortInUse(t *testing.T) {
	first := NewPrometheusExporter(PrometheusExporterConfig{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, first.Start())
	defer first.Stop(context.Background())

	addr := first.ln.Addr().String()
	second := NewPrometheusExporter(PrometheusExporterConfig{ListenAddr: addr})
	assert.Error(t, second.Start())
}
