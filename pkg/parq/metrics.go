package parq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var filesWritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedgen_parquet_files_written_total",
	Help: "The number of analytics parquet files written",
})

var recordsWritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedgen_parquet_records_written_total",
	Help: "The number of analytics records written to parquet files",
})

var recordsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedgen_parquet_records_dropped_total",
	Help: "The number of analytics records dropped because the write queue was full",
})

var writeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "feedgen_parquet_write_duration_seconds",
	Help:    "The time taken to write one parquet file",
	Buckets: prometheus.DefBuckets,
})
