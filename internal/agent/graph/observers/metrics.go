package observers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stageLatencySeconds measures each graph node.
	// Labels: stage (node name)
	stageLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "catalog",
		Subsystem: "pipeline",
		Name:      "stage_latency_seconds",
		Help:      "Pipeline stage latency by stage",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"stage"})

	// stageErrorsTotal counts stages that returned an error.
	stageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Subsystem: "pipeline",
		Name:      "stage_errors_total",
		Help:      "Pipeline stage errors by stage",
	}, []string{"stage"})

	// reasoningCallsTotal counts chat model calls.
	// Labels: task (reasoning task), outcome (ok, error)
	reasoningCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Subsystem: "reasoning",
		Name:      "calls_total",
		Help:      "Reasoning service calls by task and outcome",
	}, []string{"task", "outcome"})

	// reasoningTokensTotal counts tokens by direction.
	reasoningTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Subsystem: "reasoning",
		Name:      "tokens_total",
		Help:      "Reasoning tokens by direction",
	}, []string{"direction"})

	// queryOutcomesTotal counts finished queries by terminal stage.
	queryOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Subsystem: "pipeline",
		Name:      "outcomes_total",
		Help:      "Finished queries by terminal stage and kind",
	}, []string{"terminal", "kind"})
)

// RecordOutcome counts one finished query.
func RecordOutcome(terminal, kind string) {
	if kind == "" {
		kind = "none"
	}
	queryOutcomesTotal.WithLabelValues(terminal, kind).Inc()
}
