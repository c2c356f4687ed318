package materializer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var materializations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_materializations_total",
	Help: "The number of partition materializations by feed type and outcome",
}, []string{"feed_type", "outcome"})

var materializeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "feedgen_materialize_duration_seconds",
	Help:    "The duration of a single partition materialization",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
}, []string{"feed_type"})

var candidatesSeen = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "feedgen_materialize_candidates",
	Help:    "The number of candidate posts considered per materialization",
	Buckets: prometheus.ExponentialBuckets(1, 2, 14),
}, []string{"feed_type"})

var privacyDenials = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_privacy_denials_total",
	Help: "The number of candidate posts dropped by the privacy oracle",
}, []string{"feed_type"})

var entriesPurged = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_entries_purged_total",
	Help: "The number of feed entries purged by cleanup, by reason",
}, []string{"reason"})
