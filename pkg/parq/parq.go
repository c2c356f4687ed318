// Package parq batches feed analytics events into parquet files on local disk.
package parq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericvolp12/feedgen/pkg/analytics"
	"github.com/parquet-go/parquet-go"
)

// ErrQueueFull is returned when the writer cannot keep up with incoming events.
var ErrQueueFull = errors.New("parquet write queue is full")

type Parq struct {
	logger       *slog.Logger
	fileDir      string
	prefix       string
	writeQueue   chan *Record
	shutdown     chan struct{}
	wg           sync.WaitGroup
	batchSize    int
	maxBatchWait time.Duration
	fileSeq      atomic.Int64
}

func NewParq(logger *slog.Logger, fileDir, prefix string, batchSize int, maxBatchWait time.Duration) (*Parq, error) {
	p := Parq{
		logger:       logger.With("module", "parq"),
		fileDir:      fileDir,
		prefix:       prefix,
		batchSize:    batchSize,
		maxBatchWait: maxBatchWait,
		writeQueue:   make(chan *Record, batchSize*2),
		shutdown:     make(chan struct{}),
	}

	// Make sure the file directory exists
	err := os.MkdirAll(fileDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file directory: %w", err)
	}

	return &p, nil
}

func (p *Parq) Name() string { return "parquet" }

// Export queues an analytics event for the next parquet file.
func (p *Parq) Export(_ context.Context, ev analytics.Event) error {
	select {
	case p.writeQueue <- recordFromEvent(ev):
		return nil
	default:
		recordsDropped.Inc()
		return ErrQueueFull
	}
}

// StartWriter starts the writer goroutine which writes records to parquet files
// when the batch size is reached, after every maxBatchWait duration, or when the shutdown signal is received
func (p *Parq) StartWriter() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		var records []*Record
		t := time.NewTicker(p.maxBatchWait)
		defer t.Stop()

		p.logger.Info("starting parquet writer loop")

		flush := func(reason string) {
			if len(records) == 0 {
				return
			}
			p.logger.Debug("writing parquet file", "reason", reason, "num_records", len(records))
			if _, err := p.WriteFile(records); err != nil {
				p.logger.Error("failed to write parquet file", "err", err)
			}
			records = nil
		}

		for {
			select {
			case r := <-p.writeQueue:
				records = append(records, r)
				if len(records) >= p.batchSize {
					flush("max_batch_size")
				}
			case <-t.C:
				flush("max_batch_wait")
			case <-p.shutdown:
				for len(p.writeQueue) > 0 {
					records = append(records, <-p.writeQueue)
				}
				flush("shutdown")
				return
			}
		}
	}()
}

// Shutdown signals the writer goroutine to flush and exit, and waits for it.
func (p *Parq) Shutdown() {
	p.logger.Info("waiting for parquet writer to shutdown")
	close(p.shutdown)
	p.wg.Wait()
	p.logger.Info("parquet writer shutdown successfully")
}

// WriteFile writes the given records to a new parquet file and returns its path.
func (p *Parq) WriteFile(records []*Record) (string, error) {
	// Timestamped file name, with a sequence number so batches in the same second do not collide
	fName := path.Join(p.fileDir, fmt.Sprintf("%s_%s_%04d.parquet",
		p.prefix, time.Now().UTC().Format("2006_01_02-15_04_05"), p.fileSeq.Add(1)))

	filterBits := uint(10)

	start := time.Now()
	err := parquet.WriteFile(fName, records, parquet.BloomFilters(
		parquet.SplitBlockFilter(filterBits, "viewer_id"),
		parquet.SplitBlockFilter(filterBits, "feed_type"),
	))
	if err != nil {
		return "", fmt.Errorf("failed to write parquet file: %w", err)
	}

	filesWritten.Inc()
	recordsWritten.Add(float64(len(records)))
	writeDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("wrote parquet file", "file_path", fName, "num_records", len(records))

	return fName, nil
}
