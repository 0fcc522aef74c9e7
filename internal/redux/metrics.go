package redux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reductionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redux_reductions_total",
		Help: "Total number of reductions dispatched, by operator and outcome",
	}, []string{"op", "status"})

	reductionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "redux_reduction_duration_seconds",
		Help:    "Time spent dispatching a reduction (enqueue, not device completion)",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"op"})

	workspaceBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "redux_workspace_bytes",
		Help:    "Workspace size requested by the reduction primitive",
		Buckets: prometheus.ExponentialBuckets(64, 4, 10),
	})
)
