// Package analytics keeps per-day feed usage counters and forwards usage events to export sinks.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericvolp12/feedgen/pkg/feed"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("analytics")

// Sink receives a copy of every analytics event. Export must not block.
type Sink interface {
	Name() string
	Export(ctx context.Context, ev Event) error
}

type Recorder struct {
	logger *slog.Logger
	db     *gorm.DB
	sinks  []Sink
	now    func() time.Time
}

func NewRecorder(logger *slog.Logger, db *gorm.DB, sinks ...Sink) *Recorder {
	return &Recorder{
		logger: logger.With("module", "analytics"),
		db:     db,
		sinks:  sinks,
		now:    time.Now,
	}
}

var dayKey = []clause.Column{{Name: "viewer_id"}, {Name: "feed_type"}, {Name: "date"}}

// Record adds one served page to the viewer's daily counters. Concurrent calls commute: every
// counter is incremented in SQL and the derived averages are recomputed from the new sums.
func (r *Recorder) Record(ctx context.Context, obs Observation) error {
	ctx, span := tracer.Start(ctx, "Record")
	defer span.End()
	span.SetAttributes(attribute.String("viewer_id", obs.ViewerID), attribute.String("feed_type", string(obs.FeedType)))

	if obs.ViewerID == "" || !obs.FeedType.Valid() {
		return &feed.ValidationError{Field: "observation", Reason: "viewer and a valid feed type are required"}
	}
	if obs.At.IsZero() {
		obs.At = r.now()
	}
	loadMs := obs.LoadTime.Milliseconds()
	hit := int64(0)
	if obs.CacheHit {
		hit = 1
	}

	row := &Daily{
		ViewerID:          obs.ViewerID,
		FeedType:          obs.FeedType,
		Date:              obs.At.UTC().Format(DateLayout),
		RequestCount:      1,
		TotalPostsServed:  int64(obs.PostsServed),
		TotalViews:        1,
		TotalLoadTimeMs:   loadMs,
		CacheHits:         hit,
		AverageLoadTimeMs: float64(loadMs),
		CacheHitRate:      float64(hit),
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: dayKey,
		DoUpdates: clause.Assignments(map[string]any{
			"request_count":        gorm.Expr("feed_analytics.request_count + excluded.request_count"),
			"total_posts_served":   gorm.Expr("feed_analytics.total_posts_served + excluded.total_posts_served"),
			"total_views":          gorm.Expr("feed_analytics.total_views + excluded.total_views"),
			"total_load_time_ms":   gorm.Expr("feed_analytics.total_load_time_ms + excluded.total_load_time_ms"),
			"cache_hits":           gorm.Expr("feed_analytics.cache_hits + excluded.cache_hits"),
			"average_load_time_ms": gorm.Expr("(feed_analytics.total_load_time_ms + excluded.total_load_time_ms) * 1.0 / (feed_analytics.request_count + excluded.request_count)"),
			"cache_hit_rate":       gorm.Expr("(feed_analytics.cache_hits + excluded.cache_hits) * 1.0 / (feed_analytics.request_count + excluded.request_count)"),
			"updated_at":           gorm.Expr("excluded.updated_at"),
		}),
	}).Create(row).Error
	if err != nil {
		upserts.WithLabelValues(string(EventPageServed), "error").Inc()
		return fmt.Errorf("failed to record feed analytics: %w", err)
	}
	upserts.WithLabelValues(string(EventPageServed), "ok").Inc()

	r.export(ctx, Event{
		Kind:        EventPageServed,
		ViewerID:    obs.ViewerID,
		FeedType:    obs.FeedType,
		At:          obs.At.UTC(),
		PostsServed: int64(obs.PostsServed),
		LoadTimeMs:  loadMs,
		CacheHit:    obs.CacheHit,
	})
	return nil
}

// RecordEngagement adds n engagement actions to the viewer's daily counters.
func (r *Recorder) RecordEngagement(ctx context.Context, viewerID string, t feed.Type, n int64) error {
	ctx, span := tracer.Start(ctx, "RecordEngagement")
	defer span.End()

	if viewerID == "" {
		return &feed.ValidationError{Field: "viewerId", Reason: "must not be empty"}
	}
	if !t.Valid() {
		return &feed.ValidationError{Field: "feedType", Reason: fmt.Sprintf("unknown feed type %q", t)}
	}
	if n <= 0 {
		return &feed.ValidationError{Field: "count", Reason: "must be positive"}
	}

	at := r.now().UTC()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: dayKey,
		DoUpdates: clause.Assignments(map[string]any{
			"total_engagement": gorm.Expr("feed_analytics.total_engagement + excluded.total_engagement"),
			"updated_at":       gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&Daily{
		ViewerID:        viewerID,
		FeedType:        t,
		Date:            at.Format(DateLayout),
		TotalEngagement: n,
	}).Error
	if err != nil {
		upserts.WithLabelValues(string(EventEngagement), "error").Inc()
		return fmt.Errorf("failed to record engagement: %w", err)
	}
	upserts.WithLabelValues(string(EventEngagement), "ok").Inc()

	r.export(ctx, Event{Kind: EventEngagement, ViewerID: viewerID, FeedType: t, At: at, Engagement: n})
	return nil
}

func (r *Recorder) export(ctx context.Context, ev Event) {
	for _, s := range r.sinks {
		if err := s.Export(ctx, ev); err != nil {
			sinkErrors.WithLabelValues(s.Name()).Inc()
			r.logger.Warn("failed to export analytics event", "sink", s.Name(), "kind", ev.Kind, "err", err)
		}
	}
}

// Daily returns the viewer's rows for the UTC days in [from, to], oldest first.
func (r *Recorder) Daily(ctx context.Context, viewerID string, from, to time.Time) ([]Daily, error) {
	var out []Daily
	err := r.db.WithContext(ctx).
		Where("viewer_id = ? AND date >= ? AND date <= ?", viewerID, from.UTC().Format(DateLayout), to.UTC().Format(DateLayout)).
		Order("date ASC, feed_type ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read feed analytics: %w", err)
	}
	return out, nil
}
