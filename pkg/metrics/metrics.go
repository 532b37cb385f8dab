// Package metrics exposes Prometheus metrics for voice sessions.
//
// All record methods are safe on a nil *Metrics so components can take an
// optional metrics dependency without guarding every call.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connect attempt outcomes.
const (
	OutcomeConnected  = "connected"
	OutcomeSuperseded = "superseded"
	OutcomeTimeout    = "timeout"
	OutcomeQuota      = "quota_exceeded"
	OutcomeAuth       = "auth_unavailable"
	OutcomeError      = "error"
)

// Metrics holds all Prometheus metrics for the voice session.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectAttempts  *prometheus.CounterVec
	HandshakeLatency prometheus.Histogram
	SessionsActive   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	QuotaCloses      prometheus.Counter

	// Audio metrics
	AudioBytesTotal prometheus.Counter
	DedupeDrops     prometheus.Counter

	// Conversation metrics
	BargeIns *prometheus.CounterVec
	Turns    *prometheus.CounterVec

	// Teardown metrics
	TeardownStepDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_voice"
	}

	registry := prometheus.NewRegistry()

	connectAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by outcome",
		},
		[]string{"outcome"},
	)

	handshakeLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_seconds",
			Help:      "Time from socket open to handshake ack",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active recognition sessions",
		},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Recognition session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	quotaCloses := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_closes_total",
			Help:      "Sockets closed by the provider for quota exhaustion",
		},
	)

	audioBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Audio bytes written to the provider",
		},
	)

	dedupeDrops := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_deduped_total",
			Help:      "Audio chunks dropped as duplicates",
		},
	)

	bargeIns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Barge-in candidates by outcome",
		},
		[]string{"outcome"},
	)

	turns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finalized user turns by reason",
		},
		[]string{"reason"},
	)

	teardownStep := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "teardown_step_seconds",
			Help:      "Disconnect teardown step duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"step", "result"},
	)

	registry.MustRegister(
		connectAttempts,
		handshakeLatency,
		sessionsActive,
		sessionDuration,
		quotaCloses,
		audioBytes,
		dedupeDrops,
		bargeIns,
		turns,
		teardownStep,
	)

	return &Metrics{
		registry:             registry,
		ConnectAttempts:      connectAttempts,
		HandshakeLatency:     handshakeLatency,
		SessionsActive:       sessionsActive,
		SessionDuration:      sessionDuration,
		QuotaCloses:          quotaCloses,
		AudioBytesTotal:      audioBytes,
		DedupeDrops:          dedupeDrops,
		BargeIns:             bargeIns,
		Turns:                turns,
		TeardownStepDuration: teardownStep,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnectAttempt counts a finished connect attempt.
func (m *Metrics) RecordConnectAttempt(outcome string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(outcome).Inc()
}

// ObserveHandshake records the socket-open to ack latency.
func (m *Metrics) ObserveHandshake(d time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(d.Seconds())
}

// RecordSessionStart records a session becoming active.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records an active session closing.
func (m *Metrics) RecordSessionEnd(duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordQuotaClose counts a quota-exceeded close.
func (m *Metrics) RecordQuotaClose() {
	if m == nil {
		return
	}
	m.QuotaCloses.Inc()
}

// RecordAudio records audio bytes written to the provider.
func (m *Metrics) RecordAudio(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.Add(float64(bytes))
}

// RecordDedupeDrop counts a chunk dropped as a duplicate.
func (m *Metrics) RecordDedupeDrop() {
	if m == nil {
		return
	}
	m.DedupeDrops.Inc()
}

// RecordBargeIn counts a barge-in outcome ("confirmed" or a rejection reason).
func (m *Metrics) RecordBargeIn(outcome string) {
	if m == nil {
		return
	}
	m.BargeIns.WithLabelValues(outcome).Inc()
}

// RecordTurn counts a finalized turn.
func (m *Metrics) RecordTurn(reason string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(reason).Inc()
}

// ObserveTeardownStep records one disconnect step.
func (m *Metrics) ObserveTeardownStep(step, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.TeardownStepDuration.WithLabelValues(step, result).Observe(d.Seconds())
}
