package security

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/catalog-insight/server/internal/agent/model"
)

var (
	// gateDecisionsTotal counts per-layer outcomes.
	// Labels: layer (1..4), decision (APPROVED, BLOCKED)
	gateDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Security gate layer decisions by layer and outcome",
	}, []string{"layer", "decision"})

	// gateLatencySeconds measures a whole gate evaluation.
	gateLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "catalog",
		Subsystem: "gate",
		Name:      "latency_seconds",
		Help:      "End-to-end security gate latency",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
	})
)

func recordDecision(d model.LayerDecision) {
	gateDecisionsTotal.WithLabelValues(strconv.Itoa(d.Layer), string(d.Decision)).Inc()
}
