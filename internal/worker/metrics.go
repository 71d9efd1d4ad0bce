package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type metrics struct {
	registry      *prometheus.Registry
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	activeTasks   prometheus.Gauge
	variantsTotal prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagehandler_worker_tasks_total",
			Help: "Total ingest tasks by final batch status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagehandler_worker_task_duration_seconds",
			Help:    "Wall time spent on each ingest task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagehandler_worker_active_tasks",
			Help: "Ingest tasks currently running in this worker.",
		}),
		variantsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagehandler_worker_variants_written_total",
			Help: "Variants successfully written by ingest tasks.",
		}),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.activeTasks,
		m.variantsTotal,
	)
	return m
}
