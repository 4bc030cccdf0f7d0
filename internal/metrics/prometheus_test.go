package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_InstancesAreIndependent(t *testing.T) {
	a := NewPrometheusMetrics()
	b := NewPrometheusMetrics()

	a.IncrementCounter("connection_checks", map[string]string{"source": "mock", "result": "connected"})

	assert.Equal(t, float64(1), testutil.ToFloat64(a.counters["connection_checks"].WithLabelValues("mock", "connected")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.counters["connection_checks"].WithLabelValues("mock", "connected")))
}

func TestPrometheusMetrics_UnknownNamesIgnored(t *testing.T) {
	pm := NewPrometheusMetrics()

	assert.NotPanics(t, func() {
		pm.IncrementCounter("nope", nil)
		pm.ObserveHistogram("nope", 1, nil)
		pm.SetGauge("nope", 1, nil)
	})
}

func TestPrometheusMetrics_Handler(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.SetGauge("mock_entries", 3, nil)
	pm.ObserveHistogram("upstream_request_duration", 0.02, map[string]string{"action": "list_channels"})

	rec := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "call_checker_mock_entries 3")
	assert.Contains(t, string(body), `call_checker_upstream_request_duration_seconds_count{action="list_channels"} 1`)
}
