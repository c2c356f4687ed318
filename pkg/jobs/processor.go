// Package jobs turns claimed feed generation jobs into materializer runs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericvolp12/feedgen/pkg/content"
	"github.com/ericvolp12/feedgen/pkg/materializer"
	"github.com/ericvolp12/feedgen/pkg/queue"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("jobs")

type Config struct {
	// ChunkSize bounds how many viewers are materialized per batch.
	ChunkSize int
	// InvisibleRetention is how long hidden entries are kept before cleanup deletes them.
	InvisibleRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:          50,
		InvisibleRetention: 7 * 24 * time.Hour,
	}
}

type Processor struct {
	logger   *slog.Logger
	mat      *materializer.Materializer
	content  content.Store
	registry *Registry
	cfg      Config
}

func NewProcessor(logger *slog.Logger, mat *materializer.Materializer, store content.Store, cfg Config) *Processor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	p := &Processor{
		logger:   logger.With("module", "jobs"),
		mat:      mat,
		content:  store,
		registry: NewRegistry(),
		cfg:      cfg,
	}

	// Registration only fails on duplicates, which cannot happen here.
	_ = p.registry.Register(queue.JobPostCreated, p.handlePostChange)
	_ = p.registry.Register(queue.JobBulkUpdate, p.handlePostChange)
	_ = p.registry.Register(queue.JobPrivacyChanged, p.handlePrivacyChange)
	_ = p.registry.Register(queue.JobFriendshipChanged, p.handleFriendshipChange)
	_ = p.registry.Register(queue.JobCleanup, p.handleCleanup)
	return p
}

// Process dispatches job to the handler registered for its type.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	ctx, span := tracer.Start(ctx, "Process")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("job_id", int64(job.ID)),
		attribute.String("job_type", string(job.JobType)),
		attribute.Int("attempts", job.Attempts),
	)

	h, ok := p.registry.Get(job.JobType)
	if !ok {
		return &MissingHandlerError{JobType: job.JobType}
	}
	return h(ctx, job)
}

// handlePostChange regenerates the author, the author's friends and every viewer that already
// holds the post, unless the job names its viewers explicitly.
func (p *Processor) handlePostChange(ctx context.Context, job *queue.Job) error {
	viewers := job.AffectedUserIDs
	if len(viewers) == 0 {
		var err error
		viewers, err = p.authorAudience(ctx, job.User())
		if err != nil {
			return err
		}
		if job.Post() != "" {
			holders, err := p.mat.HoldersOfPost(ctx, job.Post())
			if err != nil {
				return err
			}
			viewers = append(viewers, holders...)
		}
	}
	return p.materialize(ctx, job, viewers)
}

// handlePrivacyChange regenerates the user, their friends and every viewer holding any of their
// posts, unless the job names its viewers explicitly.
func (p *Processor) handlePrivacyChange(ctx context.Context, job *queue.Job) error {
	viewers := job.AffectedUserIDs
	if len(viewers) == 0 {
		var err error
		viewers, err = p.authorAudience(ctx, job.User())
		if err != nil {
			return err
		}
		holders, err := p.mat.HoldersOfAuthor(ctx, job.User())
		if err != nil {
			return err
		}
		viewers = append(viewers, holders...)
	}
	return p.materialize(ctx, job, viewers)
}

func (p *Processor) handleFriendshipChange(ctx context.Context, job *queue.Job) error {
	viewers := append([]string{job.User()}, job.AffectedUserIDs...)
	return p.materialize(ctx, job, viewers)
}

// handleCleanup purges expired and long-hidden entries of the job's feed types, then rebuilds the
// partitions that lost visible rows so their ranks stay dense.
func (p *Processor) handleCleanup(ctx context.Context, job *queue.Job) error {
	res, err := p.mat.Purge(ctx, job.Types(), p.cfg.InvisibleRetention)
	if err != nil {
		return err
	}

	failed := 0
	attempted := 0
	for _, key := range res.Rerank {
		attempted++
		if _, err := p.mat.Materialize(ctx, materializer.Request{ViewerID: key.ViewerID, FeedType: key.FeedType}); err != nil {
			p.logger.Error("failed to rerank partition after cleanup", "viewer_id", key.ViewerID, "feed_type", key.FeedType, "err", err)
			failed++
		}
	}
	if attempted > 0 && failed == attempted {
		return fmt.Errorf("failed to rerank all %d partitions after cleanup", attempted)
	}

	p.logger.Info("cleanup finished", "job_id", job.ID, "expired", res.Expired, "invisible", res.Invisible, "reranked", attempted-failed)
	return nil
}

func (p *Processor) authorAudience(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}
	conns, err := p.content.Connections(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections of %s: %w", userID, err)
	}
	return append([]string{userID}, content.AcceptedFriends(conns)...), nil
}

// materialize rebuilds the job's feed types for every viewer in chunks. It fails only when every
// viewer failed.
func (p *Processor) materialize(ctx context.Context, job *queue.Job, viewers []string) error {
	viewers = lo.Uniq(lo.Without(viewers, ""))
	if len(viewers) == 0 {
		p.logger.Debug("job affects no viewers", "job_id", job.ID, "job_type", job.JobType)
		return nil
	}

	total := &materializer.BatchResult{Failures: map[string]error{}}
	for _, chunk := range lo.Chunk(viewers, p.cfg.ChunkSize) {
		batch := p.mat.MaterializeViewers(ctx, chunk, job.Types(), job.Post())
		total.Attempts += batch.Attempts
		total.Results = append(total.Results, batch.Results...)
		for k, err := range batch.Failures {
			total.Failures[k] = err
		}
	}
	viewersFanout.WithLabelValues(string(job.JobType)).Observe(float64(len(viewers)))

	if total.Failed() {
		return fmt.Errorf("failed to materialize any of %d viewers: %w", len(viewers), total.Err())
	}
	if len(total.Failures) > 0 {
		p.logger.Warn("job finished with partial failures",
			"job_id", job.ID,
			"job_type", job.JobType,
			"failures", len(total.Failures),
			"attempts", total.Attempts,
		)
	}
	return nil
}
