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

func TestCountersAndHandler(t *testing.T) {
	m := New("test")
	m.ObserveRequest("http_request", "GET", 200, 0.01)
	m.ObserveRequest("auth_failure", "POST", 401, 0.02)
	m.RateLimited("write")
	m.RateLimited("write")
	m.Detection("brute_force_detected")
	m.EventDropped()
	m.SinkFailed("kafka")
	m.AlertDropped()
	m.AuthOutcome("invalid")
	m.SetTracked("limiter", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rateLimited.WithLabelValues("write")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("auth_failure", "401")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.trackedClients.WithLabelValues("limiter")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "test_rate_limited_total")
	assert.Contains(t, string(body), "test_detections_total")
}

func TestSeparateRegistries(t *testing.T) {
	a := New("x")
	b := New("x")
	a.EventDropped()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.eventsDropped))
}
