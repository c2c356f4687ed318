package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var apiErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedgen_api_errors_total",
	Help: "The number of API error responses by route and status",
}, []string{"route", "status"})
