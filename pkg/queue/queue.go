// Package queue is the durable, priority-ordered queue of feed generation jobs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("queue")

// ErrClaimLost is returned when a job is finished by a worker that no longer holds its claim.
var ErrClaimLost = errors.New("job claim lost")

const claimRetries = 5

type Config struct {
	MaxAttempts int
	// VisibilityTimeout is how long a job may stay processing before the reaper retries it.
	VisibilityTimeout time.Duration
	RetryInitial      time.Duration
	RetryMax          time.Duration
	Now               func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       DefaultMaxAttempts,
		VisibilityTimeout: 5 * time.Minute,
		RetryInitial:      5 * time.Second,
		RetryMax:          5 * time.Minute,
		Now:               time.Now,
	}
}

type Queue struct {
	logger *slog.Logger
	db     *gorm.DB
	cfg    Config
}

func New(logger *slog.Logger, db *gorm.DB, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Queue{
		logger: logger.With("module", "queue"),
		db:     db,
		cfg:    cfg,
	}
}

func (q *Queue) now() time.Time { return q.cfg.Now().UTC() }

// Validate checks a job spec and fills in defaults.
func (q *Queue) Validate(spec Spec) (Spec, error) {
	if !spec.JobType.Valid() {
		return spec, &feed.ValidationError{Field: "jobType", Reason: fmt.Sprintf("unknown job type %q", spec.JobType)}
	}

	switch {
	case spec.Priority == 0:
		spec.Priority = DefaultPriority[spec.JobType]
	case spec.Priority < MinPriority || spec.Priority > MaxPriority:
		return spec, &feed.ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority)}
	}

	switch {
	case spec.MaxAttempts == 0:
		spec.MaxAttempts = q.cfg.MaxAttempts
	case spec.MaxAttempts < 0:
		return spec, &feed.ValidationError{Field: "maxAttempts", Reason: "must be positive"}
	}

	for _, t := range spec.FeedTypes {
		if !t.Valid() {
			return spec, &feed.ValidationError{Field: "feedTypes", Reason: fmt.Sprintf("unknown feed type %q", t)}
		}
	}
	spec.FeedTypes = lo.Uniq(spec.FeedTypes)
	spec.AffectedUserIDs = lo.Uniq(lo.Without(spec.AffectedUserIDs, ""))

	switch spec.JobType {
	case JobPostCreated:
		if spec.PostID == "" {
			return spec, &feed.ValidationError{Field: "postId", Reason: "required for post_created"}
		}
		if spec.UserID == "" && len(spec.AffectedUserIDs) == 0 {
			return spec, &feed.ValidationError{Field: "userId", Reason: "post_created needs the author or explicit affected users"}
		}
	case JobPrivacyChanged:
		if spec.UserID == "" {
			return spec, &feed.ValidationError{Field: "userId", Reason: "required for privacy_changed"}
		}
	case JobFriendshipChanged:
		if spec.UserID == "" {
			return spec, &feed.ValidationError{Field: "userId", Reason: "required for friendship_changed"}
		}
		if len(spec.AffectedUserIDs) == 0 {
			return spec, &feed.ValidationError{Field: "affectedUserIds", Reason: "friendship_changed needs the other party"}
		}
	case JobBulkUpdate:
		if spec.UserID == "" && spec.PostID == "" && len(spec.AffectedUserIDs) == 0 {
			return spec, &feed.ValidationError{Field: "affectedUserIds", Reason: "bulk_update needs a user, a post or affected users"}
		}
	}
	return spec, nil
}

// Enqueue validates spec and persists it as a pending job.
func (q *Queue) Enqueue(ctx context.Context, spec Spec) (*Job, error) {
	ctx, span := tracer.Start(ctx, "Enqueue")
	defer span.End()

	spec, err := q.Validate(spec)
	if err != nil {
		return nil, err
	}

	now := q.now()
	job := &Job{
		CreatedAt:       now,
		UpdatedAt:       now,
		JobType:         spec.JobType,
		AffectedUserIDs: spec.AffectedUserIDs,
		FeedTypes:       spec.FeedTypes,
		Priority:        spec.Priority,
		Status:          StatusPending,
		MaxAttempts:     spec.MaxAttempts,
		AvailableAt:     now,
	}
	if spec.UserID != "" {
		job.UserID = &spec.UserID
	}
	if spec.PostID != "" {
		job.PostID = &spec.PostID
	}

	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("job_id", int64(job.ID)),
		attribute.String("job_type", string(job.JobType)),
		attribute.Int("priority", job.Priority),
	)
	jobsEnqueued.WithLabelValues(string(job.JobType)).Inc()
	q.logger.Debug("enqueued job", "job_id", job.ID, "job_type", job.JobType, "priority", job.Priority)
	return job, nil
}

// Claim takes the next runnable job: highest priority first, then oldest, then lowest id.
// It returns nil when nothing is runnable.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	ctx, span := tracer.Start(ctx, "Claim")
	defer span.End()

	db := q.db.WithContext(ctx)
	for i := 0; i < claimRetries; i++ {
		now := q.now()

		var next Job
		err := db.Where("status = ? AND available_at <= ?", StatusPending, now).
			Order("priority DESC, created_at ASC, id ASC").
			Take(&next).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select next job: %w", err)
		}

		token := uuid.NewString()
		res := db.Model(&Job{}).
			Where("id = ? AND status = ?", next.ID, StatusPending).
			Updates(map[string]any{
				"status":      StatusProcessing,
				"attempts":    gorm.Expr("attempts + 1"),
				"claim_token": token,
				"started_at":  now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim job %d: %w", next.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			claimConflicts.Inc()
			continue
		}

		next.Status = StatusProcessing
		next.Attempts++
		next.ClaimToken = token
		next.StartedAt = &now
		next.UpdatedAt = now

		span.SetAttributes(attribute.Int64("job_id", int64(next.ID)), attribute.String("job_type", string(next.JobType)))
		jobsClaimed.WithLabelValues(string(next.JobType)).Inc()
		return &next, nil
	}
	return nil, nil
}

// Complete marks a claimed job completed.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND claim_token = ? AND status = ?", job.ID, job.ClaimToken, StatusProcessing).
		Updates(map[string]any{
			"status":        StatusCompleted,
			"completed_at":  now,
			"error_message": "",
			"updated_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete job %d: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	job.Status = StatusCompleted
	job.CompletedAt = &now
	jobsFinished.WithLabelValues(string(job.JobType), "completed").Inc()
	return nil
}

// Fail records a failed attempt. The job goes back to pending after a backoff delay while it has
// attempts left, and becomes terminally failed otherwise.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	now := q.now()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	updates := map[string]any{
		"error_message": msg,
		"updated_at":    now,
	}
	terminal := job.Attempts >= job.MaxAttempts
	if terminal {
		updates["status"] = StatusFailed
		updates["completed_at"] = now
	} else {
		updates["status"] = StatusPending
		updates["available_at"] = now.Add(q.Backoff(job.Attempts))
		updates["claim_token"] = ""
	}

	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND claim_token = ? AND status = ?", job.ID, job.ClaimToken, StatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to record failure of job %d: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	job.ErrorMessage = msg

	if terminal {
		job.Status = StatusFailed
		job.CompletedAt = &now
		exhausted := &feed.JobExhaustedError{JobID: job.ID, JobType: string(job.JobType), Attempts: job.Attempts, Err: cause}
		q.logger.Error("job exhausted its attempts", "job_id", job.ID, "job_type", job.JobType, "attempts", job.Attempts, "err", exhausted)
		jobsExhausted.WithLabelValues(string(job.JobType)).Inc()
		jobsFinished.WithLabelValues(string(job.JobType), "failed").Inc()
		return nil
	}

	job.Status = StatusPending
	job.ClaimToken = ""
	q.logger.Warn("job failed, will retry", "job_id", job.ID, "job_type", job.JobType, "attempts", job.Attempts, "err", cause)
	jobsFinished.WithLabelValues(string(job.JobType), "retry").Inc()
	return nil
}

// Backoff returns the delay before the retry that follows the given number of attempts.
func (q *Queue) Backoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.RetryInitial
	b.MaxInterval = q.cfg.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// ReapStale fails every job stuck in processing past the visibility timeout, so it is retried
// or terminally failed like any other failed attempt.
func (q *Queue) ReapStale(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "ReapStale")
	defer span.End()

	var stale []Job
	err := q.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", StatusProcessing, q.now().Add(-q.cfg.VisibilityTimeout)).
		Order("id ASC").
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find stale jobs: %w", err)
	}

	reaped := 0
	for i := range stale {
		job := &stale[i]
		err := q.Fail(ctx, job, fmt.Errorf("visibility timeout of %s exceeded", q.cfg.VisibilityTimeout))
		if errors.Is(err, ErrClaimLost) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++
	}
	if reaped > 0 {
		jobsReaped.Add(float64(reaped))
		q.logger.Warn("reaped stale jobs", "count", reaped)
	}
	span.SetAttributes(attribute.Int("reaped", reaped))
	return reaped, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id uint) (*Job, error) {
	var job Job
	err := q.db.WithContext(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, feed.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return &job, nil
}

// Stats counts jobs per status and refreshes the status gauges.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var rows []struct {
		Status Status
		Count  int64
	}
	err := q.db.WithContext(ctx).Model(&Job{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	stats := &Stats{}
	for _, r := range rows {
		switch r.Status {
		case StatusPending:
			stats.Pending = r.Count
		case StatusProcessing:
			stats.Processing = r.Count
		case StatusCompleted:
			stats.Completed = r.Count
		case StatusFailed:
			stats.Failed = r.Count
		}
	}
	jobsByStatus.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
	jobsByStatus.WithLabelValues(string(StatusProcessing)).Set(float64(stats.Processing))
	jobsByStatus.WithLabelValues(string(StatusCompleted)).Set(float64(stats.Completed))
	jobsByStatus.WithLabelValues(string(StatusFailed)).Set(float64(stats.Failed))
	return stats, nil
}

// PurgeFinished deletes completed jobs that finished more than olderThan ago.
func (q *Queue) PurgeFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := q.db.WithContext(ctx).
		Where("status = ? AND completed_at < ?", StatusCompleted, q.now().Add(-olderThan)).
		Delete(&Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge finished jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
