package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_jobs_enqueued_total",
	Help: "The number of feed generation jobs enqueued by type",
}, []string{"job_type"})

var jobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_jobs_claimed_total",
	Help: "The number of feed generation jobs claimed by type",
}, []string{"job_type"})

var claimConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedgen_job_claim_conflicts_total",
	Help: "The number of job claims lost to a concurrent worker",
})

var jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_jobs_finished_total",
	Help: "The number of feed generation jobs finished by type and outcome",
}, []string{"job_type", "outcome"})

var jobsExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_jobs_exhausted_total",
	Help: "The number of feed generation jobs that failed permanently after exhausting their attempts",
}, []string{"job_type"})

var jobsReaped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedgen_jobs_reaped_total",
	Help: "The number of processing jobs recovered after exceeding the visibility timeout",
})

var jobsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "feedgen_jobs",
	Help: "The number of feed generation jobs by status at the last stats read",
}, []string{"status"})
