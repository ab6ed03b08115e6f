package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the voice gateway. All Record
// methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// Handshake metrics
	HandshakesTotal *prometheus.CounterVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Frame metrics
	FramesTotal     *prometheus.CounterVec
	AudioBytesTotal *prometheus.CounterVec

	// Pipeline metrics
	StageDuration *prometheus.HistogramVec
	StageErrors   *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "civic_voice"
	}

	registry := prometheus.NewRegistry()

	handshakesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Upgrade handshakes by outcome",
		},
		[]string{"outcome"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open voice sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Voice sessions by final state",
		},
		[]string{"final_state"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound audio frames by disposition",
		},
		[]string{"disposition"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes moved over voice sessions",
		},
		[]string{"direction"},
	)

	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stage calls",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"stage"},
	)

	stageErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Failed pipeline stage calls",
		},
		[]string{"stage"},
	)

	registry.MustRegister(
		handshakesTotal,
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		framesTotal,
		audioBytesTotal,
		stageDuration,
		stageErrors,
	)

	return &Metrics{
		registry:        registry,
		HandshakesTotal: handshakesTotal,
		SessionsActive:  sessionsActive,
		SessionsTotal:   sessionsTotal,
		SessionDuration: sessionDuration,
		FramesTotal:     framesTotal,
		AudioBytesTotal: audioBytesTotal,
		StageDuration:   stageDuration,
		StageErrors:     stageErrors,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHandshake records an upgrade attempt outcome ("accepted",
// "missing_credential", "invalid_credential", "rate_limited", ...).
func (m *Metrics) RecordHandshake(outcome string) {
	if m == nil {
		return
	}
	m.HandshakesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(finalState string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(finalState).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordFrame records an inbound frame ("accepted", "dropped").
func (m *Metrics) RecordFrame(disposition string, bytes int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(disposition).Inc()
	if disposition == "accepted" && bytes > 0 {
		m.AudioBytesTotal.WithLabelValues("inbound").Add(float64(bytes))
	}
}

func (m *Metrics) RecordOutboundAudio(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues("outbound").Add(float64(bytes))
}

// RecordStage records one pipeline stage call.
func (m *Metrics) RecordStage(stage string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if err != nil {
		m.StageErrors.WithLabelValues(stage).Inc()
	}
}
