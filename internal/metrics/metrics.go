// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "enrich"

var TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "tasks",
	Name:      "total",
	Help:      "Background tasks by kind and result (enqueued, succeeded, failed, dropped)",
}, []string{"kind", "result"})

var TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "tasks",
	Name:      "retries_total",
	Help:      "Background task attempts that failed and were retried",
}, []string{"kind"})

var TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "tasks",
	Name:      "duration_seconds",
	Help:      "Wall time of a background task including retries",
	Buckets:   prometheus.DefBuckets,
}, []string{"kind"})

var DispatchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "dispatch",
	Name:      "requests_total",
	Help:      "Outbound destination requests by workflow and result",
}, []string{"workflow", "result"})

var DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "dispatch",
	Name:      "run_duration_seconds",
	Help:      "Wall time of one throttled dispatch run",
	Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
}, []string{"workflow"})

var CallbacksRouted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "callback",
	Name:      "routed_total",
	Help:      "Callback payloads routed to a storage worker by mode and result",
}, []string{"mode", "result"})

var RecordsStored = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "storage",
	Name:      "records_total",
	Help:      "Records written by the storage worker by table kind and result",
}, []string{"kind", "result"})

var BatchesCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "batch",
	Name:      "completed_total",
	Help:      "Dispatch batches that reached completion",
})

var PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "pipeline",
	Name:      "runs_total",
	Help:      "Orchestrator runs by final state",
}, []string{"state"})
