package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goqueue_jobs_submitted_total",
		Help: "Total number of jobs accepted by submit.",
	})

	metricExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goqueue_job_executions_total",
		Help: "Total number of finished job executions by terminal status.",
	}, []string{"status"})

	metricRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goqueue_running_jobs",
		Help: "Number of jobs currently executing.",
	})

	metricQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goqueue_queued_jobs",
		Help: "Number of jobs waiting for a worker slot.",
	})
)
