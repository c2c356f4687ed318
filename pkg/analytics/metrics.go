package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var upserts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_analytics_upserts_total",
	Help: "The number of analytics counter upserts by kind and outcome",
}, []string{"kind", "outcome"})

var sinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_analytics_sink_errors_total",
	Help: "The number of analytics events a sink failed to accept",
}, []string{"sink"})
