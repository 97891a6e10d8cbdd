package telemetry

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maxpert/burrow/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeView struct {
	counts  map[string]int
	version int64
}

func (f fakeView) StatusCounts() map[string]int { return f.counts }
func (f fakeView) TableVersion() int64          { return f.version }

func enablePrometheus(t *testing.T) {
	t.Helper()

	orig := *cfg.Config
	cfg.Config.Prometheus.Enabled = true
	cfg.Config.ClusterID = "c1"
	cfg.Config.NodeName = "n1"

	InitializeTelemetry()
	InitMetrics()

	t.Cleanup(func() {
		*cfg.Config = orig
		registry = nil
		InitMetrics()
	})
}

func scrape(t *testing.T) string {
	t.Helper()

	handler := GetMetricsHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestDisabledTelemetryIsNoop(t *testing.T) {
	registry = nil

	assert.Nil(t, GetMetricsHandler())
	assert.IsType(t, NoopStat{}, NewCounter("unused_total", "unused"))
	assert.IsType(t, noopGaugeVec{}, NewGaugeVec("unused", "unused", []string{"x"}))

	// noop metrics accept writes
	NewHistogram("unused_seconds", "unused").Observe(1)
	NewCounterVec("unused_by_x_total", "unused", []string{"x"}).With("a").Inc()
}

func TestCollectorPublishesView(t *testing.T) {
	enablePrometheus(t)

	view := fakeView{counts: map[string]int{"ACTIVE": 2, "DEAD": 1}, version: 7}
	collector := NewMetricsCollector(view, []string{"JOINING", "ACTIVE", "DEAD"}, time.Hour)
	collector.Start()
	collector.Stop()

	body := scrape(t)
	assert.Contains(t, body, `burrow_membership_table_version{cluster_id="c1",node="n1"} 7`)
	assert.Contains(t, body, `burrow_membership_cluster_nodes{cluster_id="c1",node="n1",status="ACTIVE"} 2`)
	assert.Contains(t, body, `burrow_membership_cluster_nodes{cluster_id="c1",node="n1",status="DEAD"} 1`)
	assert.Contains(t, body, `burrow_membership_cluster_nodes{cluster_id="c1",node="n1",status="JOINING"} 0`)
}

func TestCountersAreLabelled(t *testing.T) {
	enablePrometheus(t)

	ProbesTotal.With("direct", "failed").Inc()
	ProbesTotal.With("direct", "failed").Inc()
	PublishedEventsTotal.With("audit", "ok").Inc()

	body := scrape(t)
	assert.Contains(t, body, `burrow_membership_probes_total{cluster_id="c1",kind="direct",node="n1",result="failed"} 2`)
	assert.Contains(t, body, `burrow_membership_published_events_total{cluster_id="c1",node="n1",result="ok",sink="audit"} 1`)
}

func TestCollectorStopIsIdempotent(t *testing.T) {
	collector := NewMetricsCollector(nil, nil, time.Millisecond)
	collector.Start()
	collector.Stop()
	collector.Stop()
}
