package processor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registry           *prometheus.Registry
	requestsTotal      *prometheus.CounterVec
	cacheTotal         *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	outputBytesTotal   prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()

	m := &metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagehandler_requests_total",
			Help: "Total processed image requests by outcome.",
		}, []string{"outcome"}),
		cacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagehandler_cache_total",
			Help: "Artifact cache operations by result.",
		}, []string{"result"}),
		processingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagehandler_processing_duration_seconds",
			Help:    "Time spent building an artifact on a cache miss.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagehandler_output_bytes_total",
			Help: "Total bytes of freshly built artifacts.",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.cacheTotal,
		m.processingDuration,
		m.outputBytesTotal,
	)
	return m
}
