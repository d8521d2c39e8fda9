package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.NodeStarted()
	m.NodeStarted()
	m.NodeFinished(true)
	m.Received("integers")
	m.Published("sums")
	m.Drop("integers", DropNoListener)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodesActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NodesScheduled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodeFaults))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ingress.WithLabelValues("integers")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Egress.WithLabelValues("sums")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues("integers", DropNoListener)))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.NodeStarted()
		m.NodeFinished(false)
		m.Received("a")
		m.Published("b")
		m.Drop("c", DropOverflow)
	})
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Published("sums")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `kernel_egress_messages_total{topic="sums"} 1`))
}
