package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds chain-run collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs       *prometheus.CounterVec
	duration   prometheus.Histogram
	toolCalls  *prometheus.CounterVec
	resolution prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "librarian_chain_runs_total",
			Help: "Chain runs by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "librarian_chain_duration_seconds",
			Help:    "Wall time of a chain run.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "librarian_tool_calls_total",
			Help: "Honored tool calls by outcome.",
		}, []string{"outcome"}),
		resolution: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "librarian_resolution_score",
			Help:    "Match score of successful title resolutions.",
			Buckets: []float64{0.66, 0.72, 0.8, 0.9, 0.98, 1},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.duration, m.toolCalls, m.resolution)
	}
	return m
}

func (m *Metrics) observeRun(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeToolCall(outcome string, score float64) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(outcome).Inc()
	if outcome == outcomeSuccess {
		m.resolution.Observe(score)
	}
}
