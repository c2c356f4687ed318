package reader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_feed_pages_total",
	Help: "The number of feed page requests by feed type and outcome",
}, []string{"feed_type", "outcome"})

var pageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "feedgen_feed_page_duration_seconds",
	Help:    "The time taken to serve a feed page",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
}, []string{"feed_type"})
