package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	ticks           prometheus.Counter
	evaluations     prometheus.Counter
	fired           prometheus.Counter
	conditionErrors prometheus.Counter
	submitErrors    *prometheus.CounterVec
	runs            *prometheus.CounterVec
	runSeconds      prometheus.Histogram
	balancerPasses  prometheus.Counter
	tasks           prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "clustersched_scheduler_ticks_total",
			Help: "Scheduler ticks evaluated",
		}),
		evaluations: f.NewCounter(prometheus.CounterOpts{
			Name: "clustersched_scheduler_evaluations_total",
			Help: "Task condition evaluations",
		}),
		fired: f.NewCounter(prometheus.CounterOpts{
			Name: "clustersched_scheduler_fired_total",
			Help: "Tasks handed to the engine",
		}),
		conditionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "clustersched_scheduler_condition_errors_total",
			Help: "Condition evaluations that failed",
		}),
		submitErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clustersched_scheduler_submit_errors_total",
			Help: "Engine submissions rejected, by reason",
		}, []string{"reason"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clustersched_task_runs_total",
			Help: "Finished task runs by status",
		}, []string{"status"}),
		runSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clustersched_task_run_seconds",
			Help:    "Task run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		balancerPasses: f.NewCounter(prometheus.CounterOpts{
			Name: "clustersched_balancer_passes_total",
			Help: "Balancer passes started by the trigger",
		}),
		tasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "clustersched_scheduler_tasks",
			Help: "Tasks known to the active scheduler",
		}),
	}
}
