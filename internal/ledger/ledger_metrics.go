package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2pescrow",
		Subsystem: "ledger",
		Name:      "batches_total",
		Help:      "Atomic ledger batches by result (committed or aborted).",
	}, []string{"result"})

	movedUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2pescrow",
		Subsystem: "ledger",
		Name:      "moved_units_total",
		Help:      "Base units moved by committed entries, by entry kind.",
	}, []string{"kind"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "p2pescrow",
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Ledger operation latency.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"op"})
)

// timeOp starts a latency observation for op; call the result when done.
func timeOp(op string) func() {
	start := time.Now()
	return func() { opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }
}

func recordCommit(entries []*Entry) {
	batchesTotal.WithLabelValues("committed").Inc()
	for _, e := range entries {
		movedUnits.WithLabelValues(string(e.Kind)).Add(float64(e.Amount))
	}
}

func recordAbort() {
	batchesTotal.WithLabelValues("aborted").Inc()
}
