package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "runtime",
		Name:      "events_processed_total",
		Help:      "Engine events processed, by kind.",
	}, []string{"kind"})

	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "runtime",
		Name:      "queue_depth",
		Help:      "Events waiting on the engine queue.",
	})

	metricActiveInvocations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "runtime",
		Name:      "active_invocations",
		Help:      "Agent invocations currently in flight.",
	})

	metricTasksTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "runtime",
		Name:      "tasks_terminal_total",
		Help:      "Tasks reaching a terminal state, by state.",
	}, []string{"state"})

	metricInvocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "runtime",
		Name:      "invocation_duration_seconds",
		Help:      "Wall time of one agent invocation.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
