package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pipeline behavior to Prometheus: task outcomes, state
// transitions, adapter call latency, and knowledge promotions.
type Metrics struct {
	TasksStarted  prometheus.Counter
	TasksFinished *prometheus.CounterVec

	Transitions *prometheus.CounterVec

	AdapterDuration *prometheus.HistogramVec

	KnowledgePromotions prometheus.Counter
}

// NewMetrics registers the pipeline metrics with reg. Pass a fresh
// registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "circuitd",
			Subsystem: "pipeline",
			Name:      "tasks_started_total",
			Help:      "Design tasks accepted and started.",
		}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circuitd",
			Subsystem: "pipeline",
			Name:      "tasks_finished_total",
			Help:      "Design tasks reaching a terminal state.",
		}, []string{"state"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circuitd",
			Subsystem: "pipeline",
			Name:      "transitions_total",
			Help:      "State machine transitions taken.",
		}, []string{"from", "to"}),
		AdapterDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "circuitd",
			Subsystem: "pipeline",
			Name:      "adapter_call_seconds",
			Help:      "External adapter call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"adapter", "outcome"}),
		KnowledgePromotions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "circuitd",
			Subsystem: "pipeline",
			Name:      "knowledge_promotions_total",
			Help:      "Critical findings promoted into the knowledge corpus.",
		}),
	}
}
