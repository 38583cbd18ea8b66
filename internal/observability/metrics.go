// Package observability exposes Prometheus collectors for conversation turns
// and voice calls.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"nexus-agent/internal/usecase"
)

const namespace = "nexus"

// Metrics implements usecase.Metrics and voice.Metrics.
type Metrics struct {
	turnsTotal       *prometheus.CounterVec
	escalationsTotal *prometheus.CounterVec
	callsRouted      *prometheus.CounterVec
	voiceTurnsTotal  *prometheus.CounterVec
	voiceTurnLatency *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration against the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by path and result code",
		}, []string{"path", "code"}),
		escalationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_toggles_total",
			Help:      "Escalation toggles by resulting state",
		}, []string{"state"}),
		callsRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "calls_total",
			Help:      "Incoming calls by routing outcome",
		}, []string{"outcome"}),
		voiceTurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "turns_total",
			Help:      "Voice turns by outcome",
		}, []string{"outcome"}),
		voiceTurnLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "turn_duration_seconds",
			Help:      "Time to answer a voice webhook",
			Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 12},
		}, []string{"outcome"}),
	}
}

func (m *Metrics) TurnProcessed(path string, code usecase.ErrorCode) {
	label := string(code)
	if label == "" {
		label = "OK"
	}
	m.turnsTotal.WithLabelValues(path, label).Inc()
}

func (m *Metrics) EscalationToggled(escalated bool) {
	state := "released"
	if escalated {
		state = "escalated"
	}
	m.escalationsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) CallRouted(outcome string) {
	m.callsRouted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) VoiceTurn(outcome string, elapsed time.Duration) {
	m.voiceTurnsTotal.WithLabelValues(outcome).Inc()
	m.voiceTurnLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
