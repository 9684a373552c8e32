package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	applyRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regsync",
		Subsystem: "apply",
		Name:      "rows_total",
		Help:      "Rows committed by bulk applies, by phase.",
	}, []string{"phase"})

	applyBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "regsync",
		Subsystem: "apply",
		Name:      "batch_duration_seconds",
		Help:      "Duration of apply batch transactions, by phase and result.",
		Buckets: []float64{
			0.005, 0.01, 0.025,
			0.05, 0.1, 0.25,
			0.5, 1, 2.5, 5, 10,
		},
	}, []string{"phase", "result"})

	rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regsync",
		Subsystem: "rollback",
		Name:      "total",
		Help:      "Rollback attempts by result.",
	}, []string{"result"})

	rollbackMissingHistory = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "regsync",
		Subsystem: "rollback",
		Name:      "missing_history_total",
		Help:      "Rollbacks aborted because a predecessor version was missing.",
	})

	simulateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "regsync",
		Subsystem: "simulate",
		Name:      "duration_seconds",
		Help:      "Duration of diff computations.",
		Buckets:   prometheus.DefBuckets,
	})
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
