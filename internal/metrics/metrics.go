// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests by route, method and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// TasksCreatedTotal counts tasks accepted into the graph.
	TasksCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmaster_tasks_created_total",
			Help: "Total number of tasks created.",
		},
	)

	// TaskDispatchTotal counts dispatch attempts by queue kind (ordered or
	// regular) and outcome (published, not_ready, skipped, failed, unknown).
	TaskDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmaster_task_dispatch_total",
			Help: "Total number of task dispatch attempts.",
		},
		[]string{"queue", "result"},
	)

	// TaskExecutionTotal counts executions by queue and final status.
	TaskExecutionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmaster_task_executions_total",
			Help: "Total number of task executions.",
		},
		[]string{"queue", "status"},
	)

	// TasksByStatus is refreshed periodically by the status reporter.
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmaster_tasks",
			Help: "Number of tasks currently in each status.",
		},
		[]string{"status"},
	)

	// WorkerReconnectsTotal counts consumer reconnect attempts per worker.
	WorkerReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmaster_worker_reconnects_total",
			Help: "Total number of queue reconnect attempts by worker.",
		},
		[]string{"worker_id"},
	)

	// WorkerConnected is 1 while the worker holds a live queue connection.
	WorkerConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmaster_worker_connected",
			Help: "Is this worker currently consuming. 1 if consuming, 0 otherwise.",
		},
		[]string{"worker_id", "queue"},
	)
)
