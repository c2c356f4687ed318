package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var viewersFanout = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "feedgen_job_viewers",
	Help:    "The number of viewers a job fans out to",
	Buckets: prometheus.ExponentialBuckets(1, 2, 14),
}, []string{"job_type"})
