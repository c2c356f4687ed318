package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var busyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "feedgen_workers_busy",
	Help: "The number of workers currently processing a job",
})

var jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "feedgen_job_duration_seconds",
	Help:    "The time spent processing a job, by type",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 18),
}, []string{"job_type"})

var handlerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_job_handler_panics_total",
	Help: "The number of job handler panics, by type",
}, []string{"job_type"})
