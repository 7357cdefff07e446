package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classboard/internal/domain"
	"classboard/internal/metrics"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.StreamEvent("task_updated")
		m.Command("move_stage", "ok", 0.1)
		m.Rollback("task")
		m.PollTick("ok")
		m.CacheEntries("task", 3)
		m.StreamState(domain.ConnOpen)
	})
}

func TestHandlerExposesCounters(t *testing.T) {
	m := metrics.New()
	m.StreamEvent("task_updated")
	m.StreamEvent("task_updated")
	m.Command("move_stage", "timeout", 10)
	m.StreamState(domain.ConnAuthenticated)

	n, err := testutil.GatherAndCount(m.Registry(), "classboard_stream_events_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `classboard_stream_events_total{type="task_updated"} 2`)
	assert.Contains(t, string(body), `classboard_engine_commands_total{op="move_stage",outcome="timeout"} 1`)
	assert.Contains(t, string(body), `classboard_stream_state{state="authenticated"} 1`)
	assert.Contains(t, string(body), `classboard_stream_state{state="disconnected"} 0`)
}
