package changes

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_change_events_total",
	Help: "The number of change events handled by type and outcome",
}, []string{"event_type", "outcome"})

var eventLag = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "feedgen_change_event_lag_seconds",
	Help:    "The delay between a change occurring and its event being handled",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
}, []string{"event_type"})

var subscriberMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_change_subscriber_messages_total",
	Help: "The number of messages received by change subscribers by transport and outcome",
}, []string{"transport", "outcome"})

var subscriberReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedgen_change_subscriber_reconnects_total",
	Help: "The number of websocket change stream reconnects",
})
