package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Independent(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.EventsIngested.Add(3)
	a.ObserveAlert("rule", "high")
	a.SetDegraded(true)

	assert.Equal(t, 3.0, testutil.ToFloat64(a.EventsIngested))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.EventsIngested))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Alerts.WithLabelValues("rule", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Degraded))

	a.SetDegraded(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(a.Degraded))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.FlowsEmitted.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nets_flows_total 1")
}
