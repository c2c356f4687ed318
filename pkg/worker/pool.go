// Package worker runs feed generation jobs from the queue on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericvolp12/feedgen/pkg/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("worker")

// Processor handles one claimed job.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
}

type Config struct {
	Workers      int
	PollInterval time.Duration
	ReapInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: time.Second,
		ReapInterval: 30 * time.Second,
	}
}

type Pool struct {
	logger *slog.Logger
	queue  *queue.Queue
	proc   Processor
	cfg    Config
}

func NewPool(logger *slog.Logger, q *queue.Queue, proc Processor, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	return &Pool{
		logger: logger.With("module", "worker"),
		queue:  q,
		proc:   proc,
		cfg:    cfg,
	}
}

// Run starts the workers and the stale job reaper and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting worker pool", "workers", p.cfg.Workers, "poll_interval", p.cfg.PollInterval.String())

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := i + 1
		eg.Go(func() error {
			p.loop(ctx, workerID)
			return nil
		})
	}
	eg.Go(func() error {
		p.reapLoop(ctx)
		return nil
	})

	err := eg.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	logger := p.logger.With("worker_id", workerID)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Keep going while there is work so a backlog does not wait a tick per job.
		for ctx.Err() == nil {
			ran, _, err := p.RunOne(ctx)
			if err != nil {
				logger.Warn("failed to run job", "err", err)
				break
			}
			if !ran {
				break
			}
		}
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.ReapStale(ctx); err != nil {
				p.logger.Error("failed to reap stale jobs", "err", err)
			}
		}
	}
}

// RunOne claims and processes a single job. It reports whether a job was claimed and whether
// its handler succeeded.
func (p *Pool) RunOne(ctx context.Context) (ran bool, ok bool, err error) {
	job, err := p.queue.Claim(ctx)
	if err != nil {
		return false, false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return false, false, nil
	}

	ctx, span := tracer.Start(ctx, "RunJob")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("job_id", int64(job.ID)),
		attribute.String("job_type", string(job.JobType)),
		attribute.Int("attempt", job.Attempts),
	)

	busyWorkers.Inc()
	start := time.Now()
	procErr := p.process(ctx, job)
	busyWorkers.Dec()
	jobDuration.WithLabelValues(string(job.JobType)).Observe(time.Since(start).Seconds())

	if procErr != nil {
		if err := p.queue.Fail(ctx, job, procErr); err != nil && !errors.Is(err, queue.ErrClaimLost) {
			return true, false, fmt.Errorf("failed to record job failure: %w", err)
		}
		return true, false, nil
	}

	if err := p.queue.Complete(ctx, job); err != nil {
		if errors.Is(err, queue.ErrClaimLost) {
			p.logger.Warn("job finished after its claim was reaped", "job_id", job.ID, "job_type", job.JobType)
			return true, true, nil
		}
		return true, true, fmt.Errorf("failed to complete job: %w", err)
	}
	return true, true, nil
}

// process runs the handler, turning a panic into an ordinary failure.
func (p *Pool) process(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanics.WithLabelValues(string(job.JobType)).Inc()
			p.logger.Error("job handler panic", "job_id", job.ID, "job_type", job.JobType, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.proc.Process(ctx, job)
}

// DrainResult summarizes a synchronous pass over the queue.
type DrainResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Drain processes up to max runnable jobs on the calling goroutine.
func (p *Pool) Drain(ctx context.Context, max int) (*DrainResult, error) {
	ctx, span := tracer.Start(ctx, "Drain")
	defer span.End()

	res := &DrainResult{}
	for res.Processed < max {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ran, ok, err := p.RunOne(ctx)
		if err != nil {
			return res, err
		}
		if !ran {
			break
		}
		res.Processed++
		if ok {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	span.SetAttributes(attribute.Int("processed", res.Processed))
	return res, nil
}
