package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "ledger",
		Name:      "events_recorded_total",
		Help:      "Events accepted into the ledger buffer, by kind.",
	}, []string{"kind"})

	eventsSampledOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "ledger",
		Name:      "events_sampled_out_total",
		Help:      "Events dropped by the sampling policy.",
	})

	flushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "ledger",
		Name:      "flushes_total",
		Help:      "Successful buffer drains.",
	})

	flushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "ledger",
		Name:      "flush_failures_total",
		Help:      "Buffer drains that failed and were re-buffered.",
	})

	bufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "ledger",
		Name:      "buffer_size",
		Help:      "Events currently buffered.",
	})
)
