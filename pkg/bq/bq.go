// Package bq streams feed analytics events into day-sharded BigQuery tables.
package bq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/ericvolp12/feedgen/pkg/analytics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("bq")

// ErrBufferFull is returned when the insert buffer cannot take more records.
var ErrBufferFull = errors.New("bigquery record buffer is full")

const (
	bufferSize    = 100_000
	batchSize     = 10_000
	flushInterval = 5 * time.Second
)

type BQ struct {
	logger       *slog.Logger
	recordSchema bigquery.Schema
	client       *bigquery.Client
	dataset      *bigquery.Dataset

	tablePrefix string

	tableLk   sync.Mutex
	tableDate string
	inserter  *bigquery.Inserter

	recordBuf chan *Record
	shutdown  chan struct{}
	done      chan struct{}
}

func NewBQ(
	ctx context.Context,
	projectID string,
	dataset string,
	tablePrefix string,
	logger *slog.Logger,
) (*BQ, error) {
	recordSchema, err := bigquery.InferSchema(Record{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}

	bqClient, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	bqDataset := bqClient.Dataset(dataset)

	if _, err := bqDataset.Metadata(ctx); err != nil {
		return nil, fmt.Errorf("failed to get dataset metadata, make sure to create it if it doesn't exist: %w", err)
	}

	bq := &BQ{
		recordSchema: recordSchema,
		client:       bqClient,
		dataset:      bqDataset,
		logger:       logger.With("module", "bq"),
		tablePrefix:  tablePrefix,
		recordBuf:    make(chan *Record, bufferSize),
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
	}

	// Batch insert buffered records every few seconds until shutdown
	go func() {
		defer close(bq.done)
		t := time.NewTicker(flushInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := bq.insertRecords(context.Background()); err != nil {
					bq.logger.Error("failed to insert records", "err", err)
				}
			case <-bq.shutdown:
				for len(bq.recordBuf) > 0 {
					if err := bq.insertRecords(context.Background()); err != nil {
						bq.logger.Error("failed to flush records on shutdown", "err", err)
						return
					}
				}
				return
			}
		}
	}()

	return bq, nil
}

func (bq *BQ) Name() string { return "bigquery" }

// Export buffers an analytics event for the next batch insert.
func (bq *BQ) Export(ctx context.Context, ev analytics.Event) error {
	_, span := tracer.Start(ctx, "Export")
	defer span.End()

	span.SetAttributes(
		attribute.String("kind", string(ev.Kind)),
		attribute.String("viewer_id", ev.ViewerID),
		attribute.String("feed_type", string(ev.FeedType)),
	)

	select {
	case bq.recordBuf <- recordFromEvent(ev):
	default:
		recordsDropped.WithLabelValues(bq.tablePrefix).Inc()
		return ErrBufferFull
	}

	recordsProcessed.WithLabelValues(bq.tablePrefix).Inc()
	queueDepth.WithLabelValues(bq.tablePrefix).Inc()

	return nil
}

func (bq *BQ) insertRecords(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "insertRecords")
	defer span.End()

	// Grab up to batchSize records from the buffer
	records := make([]*Record, 0, batchSize)
drain:
	for len(records) < batchSize {
		select {
		case record := <-bq.recordBuf:
			records = append(records, record)
			queueDepth.WithLabelValues(bq.tablePrefix).Dec()
		default:
			break drain
		}
	}

	// If there are no records, return early
	if len(records) == 0 {
		return nil
	}

	inserter, err := bq.tableInserter(ctx)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		batchSubmissionDuration.WithLabelValues(bq.tablePrefix).Observe(elapsed.Seconds())
		batchSizeHist.WithLabelValues(bq.tablePrefix).Observe(float64(len(records)))
	}()

	span.SetAttributes(attribute.Int("records", len(records)))
	if err := inserter.Put(ctx, records); err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}

	return nil
}

// TableName returns the day shard a record written at t lands in.
func (bq *BQ) TableName(t time.Time) string {
	return fmt.Sprintf("%s_%s", bq.tablePrefix, t.UTC().Format("20060102"))
}

// tableInserter returns an inserter for today's table, creating the table if needed.
func (bq *BQ) tableInserter(ctx context.Context) (*bigquery.Inserter, error) {
	bq.tableLk.Lock()
	defer bq.tableLk.Unlock()

	today := time.Now().UTC().Format("20060102")
	if bq.tableDate == today && bq.inserter != nil {
		return bq.inserter, nil
	}

	table := bq.dataset.Table(bq.TableName(time.Now()))
	_, err := table.Metadata(ctx)
	if err != nil {
		bq.logger.Info("table does not exist, creating", "table", table.FullyQualifiedName())
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: bq.recordSchema}); err != nil {
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	bq.inserter = table.Inserter()
	bq.tableDate = today

	return bq.inserter, nil
}

// Close flushes buffered records and closes the client.
func (bq *BQ) Close() error {
	close(bq.shutdown)
	<-bq.done
	return bq.client.Close()
}
