package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveDetection(t *testing.T) {
	m := New("palm")

	m.ObserveDetection("success", 2*time.Second, 3)
	m.ObserveDetection("invalid_image", 0, 0)
	m.ObserveDetection("success", time.Second, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.detectionsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.detectionsTotal.WithLabelValues("invalid_image")))
}

func TestObserveVerificationAndFetch(t *testing.T) {
	m := New("palm")

	m.ObserveVerification("valid")
	m.ObserveVerification("invalid")
	m.ObserveVerification("invalid")
	m.ObserveArtifactFetch("label", http.StatusNotFound)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.verifications.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.artifactFetches.WithLabelValues("label", "Not Found")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveDetection("success", time.Second, 1)
		m.ObserveInference("ok", time.Second)
		m.SetQueueDepth(3)
		m.ObserveVerification("valid")
		m.ObserveArtifactFetch("image", http.StatusOK)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("palm")
	m.SetQueueDepth(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "palm_ml_queue_depth 4"), body)
}
