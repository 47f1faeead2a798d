package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service collectors. All methods are safe on a nil
// receiver so components can run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	detectionsTotal   *prometheus.CounterVec
	detectionDuration prometheus.Histogram
	objectsDetected   prometheus.Histogram
	inferenceDuration *prometheus.HistogramVec
	queueDepth        prometheus.Gauge
	verifications     *prometheus.CounterVec
	artifactFetches   *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		detectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "detections_total",
				Help:      "Detection requests by outcome",
			},
			[]string{"outcome"},
		),
		detectionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "detection_duration_seconds",
				Help:      "End-to-end duration of successful detection requests",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		objectsDetected: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "objects_per_image",
				Help:      "Number of objects detected per image",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
		inferenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ml",
				Name:      "inference_duration_seconds",
				Help:      "Duration of detector calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ml",
				Name:      "queue_depth",
				Help:      "Inference jobs waiting for a worker",
			},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identity",
				Name:      "verifications_total",
				Help:      "Bearer token verifications by result",
			},
			[]string{"result"},
		),
		artifactFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "artifacts",
				Name:      "fetches_total",
				Help:      "Artifact downloads by kind and status code",
			},
			[]string{"kind", "status"},
		),
	}

	registry.MustRegister(
		m.detectionsTotal,
		m.detectionDuration,
		m.objectsDetected,
		m.inferenceDuration,
		m.queueDepth,
		m.verifications,
		m.artifactFetches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDetection(outcome string, duration time.Duration, objects int) {
	if m == nil {
		return
	}
	m.detectionsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.detectionDuration.Observe(duration.Seconds())
		m.objectsDetected.Observe(float64(objects))
	}
}

func (m *Metrics) ObserveInference(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveArtifactFetch(kind string, status int) {
	if m == nil {
		return
	}
	m.artifactFetches.WithLabelValues(kind, http.StatusText(status)).Inc()
}
