package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cron metrics
	CronFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funtask_cron_fires_total",
			Help: "Total number of cron time-point fires",
		},
		[]string{"outcome"}, // assigned | skipped | dropped | error
	)

	CronEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "funtask_cron_entries",
			Help: "Current number of registered cron entries",
		},
	)

	// Task metrics
	TasksMaterialized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funtask_tasks_materialized_total",
			Help: "Total number of tasks persisted from cron fires",
		},
		[]string{"status"},
	)

	TasksDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "funtask_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to workers",
		},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "funtask_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"func"},
	)

	StrategyResolutionDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "funtask_strategy_resolution_depth",
			Help:    "Recursion depth of UDF strategy resolution",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		},
	)

	// Worker metrics
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "funtask_active_workers",
			Help: "Current number of live workers",
		},
	)

	WorkerHeartbeats = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "funtask_worker_heartbeats_total",
			Help: "Total number of worker heartbeat reports",
		},
	)

	// Status queue metrics
	StatusReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funtask_status_reports_total",
			Help: "Total number of status reports drained",
		},
		[]string{"kind"},
	)

	StatusReportErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "funtask_status_report_errors_total",
			Help: "Total number of status reports rejected",
		},
	)
)
