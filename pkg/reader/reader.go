// Package reader serves materialized feeds page by page.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ericvolp12/feedgen/pkg/analytics"
	"github.com/ericvolp12/feedgen/pkg/cursor"
	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/ericvolp12/feedgen/pkg/prefs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("reader")

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// DefaultFeedAlias selects the viewer's configured default feed type.
	DefaultFeedAlias = "default"
)

type PreferenceSource interface {
	Get(ctx context.Context, userID string) (*prefs.UserFeedPreference, error)
}

type Recorder interface {
	Record(ctx context.Context, obs analytics.Observation) error
}

type Reader struct {
	logger     *slog.Logger
	db         *gorm.DB
	codec      *cursor.Codec
	prefs      PreferenceSource
	activation *feed.Activation
	recorder   Recorder
}

func New(logger *slog.Logger, db *gorm.DB, codec *cursor.Codec, prefSource PreferenceSource, activation *feed.Activation, recorder Recorder) *Reader {
	return &Reader{
		logger:     logger.With("module", "reader"),
		db:         db,
		codec:      codec,
		prefs:      prefSource,
		activation: activation,
		recorder:   recorder,
	}
}

// ResolveType parses a feed type name from a request, mapping "default" to the viewer's default.
func (r *Reader) ResolveType(ctx context.Context, viewerID, name string) (feed.Type, error) {
	if strings.EqualFold(strings.TrimSpace(name), DefaultFeedAlias) {
		if r.prefs == nil {
			return feed.Chronological, nil
		}
		p, err := r.prefs.Get(ctx, viewerID)
		if err != nil {
			return "", err
		}
		return p.DefaultFeedType, nil
	}
	return feed.ParseType(name)
}

// ClampPageSize applies the default and bounds of a requested page size.
func ClampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	default:
		return n
	}
}

// GetPage returns the page of viewerID's feed that follows token, or the first page when token
// is empty.
func (r *Reader) GetPage(ctx context.Context, viewerID string, t feed.Type, token string, pageSize int) (*Page, error) {
	ctx, span := tracer.Start(ctx, "GetPage")
	defer span.End()
	span.SetAttributes(attribute.String("viewer_id", viewerID), attribute.String("feed_type", string(t)))

	start := time.Now()
	if viewerID == "" {
		return nil, &feed.ValidationError{Field: "viewerId", Reason: "must not be empty"}
	}
	if !t.Valid() {
		return nil, &feed.ValidationError{Field: "feedType", Reason: fmt.Sprintf("unknown feed type %q", t)}
	}
	if err := r.checkEnabled(ctx, viewerID, t); err != nil {
		pageRequests.WithLabelValues(string(t), "disabled").Inc()
		return nil, err
	}
	pageSize = ClampPageSize(pageSize)

	after := 0
	if token != "" {
		pos, err := r.codec.Decode(token)
		if err != nil {
			pageRequests.WithLabelValues(string(t), "invalid_cursor").Inc()
			return nil, err
		}
		if pos.FeedType != t {
			pageRequests.WithLabelValues(string(t), "invalid_cursor").Inc()
			return nil, &feed.InvalidCursorError{Reason: fmt.Sprintf("cursor belongs to the %s feed, not %s", pos.FeedType, t)}
		}
		after = pos.Rank
	}

	rankCol := feed.RankColumn(t)
	partition := r.db.WithContext(ctx).Model(&feed.Entry{}).
		Where("viewer_id = ? AND feed_type = ? AND is_visible = ?", viewerID, t, true).
		Session(&gorm.Session{})

	var rows []feed.Entry
	err := partition.
		Where(rankCol+" > ?", after).
		Order(rankCol + " ASC").
		Limit(pageSize + 1).
		Find(&rows).Error
	if err != nil {
		pageRequests.WithLabelValues(string(t), "error").Inc()
		return nil, fmt.Errorf("failed to read feed entries: %w", err)
	}

	var total int64
	if err := partition.Count(&total).Error; err != nil {
		pageRequests.WithLabelValues(string(t), "error").Inc()
		return nil, fmt.Errorf("failed to count feed entries: %w", err)
	}

	page := &Page{FeedType: t, TotalCount: total, CacheHit: true}
	if len(rows) > pageSize {
		page.HasMore = true
		rows = rows[:pageSize]
	}
	page.Posts = make([]Post, 0, len(rows))
	for i := range rows {
		page.Posts = append(page.Posts, postFromEntry(&rows[i]))
	}

	var last *feed.Entry
	if len(rows) > 0 {
		last = &rows[len(rows)-1]
	}
	if page.HasMore && last != nil {
		created := last.PostCreatedAt
		page.NextCursor, err = r.codec.Encode(cursor.Position{
			FeedType:  t,
			PostID:    last.PostID,
			Rank:      last.Rank(),
			Score:     last.Score,
			Timestamp: &created,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode next cursor: %w", err)
		}
	}

	elapsed := time.Since(start)
	page.LoadTime = elapsed.Milliseconds()
	pageRequests.WithLabelValues(string(t), "ok").Inc()
	pageDuration.WithLabelValues(string(t)).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.Int("posts", len(page.Posts)), attribute.Bool("has_more", page.HasMore))

	r.recordPage(ctx, viewerID, t, page, last, elapsed)
	return page, nil
}

func (r *Reader) checkEnabled(ctx context.Context, viewerID string, t feed.Type) error {
	if !r.activation.Active(t) {
		return &feed.FeedTypeDisabledError{FeedType: t}
	}
	if r.prefs == nil {
		return nil
	}
	p, err := r.prefs.Get(ctx, viewerID)
	if err != nil {
		return err
	}
	if !p.IsEnabled(t) {
		return &feed.FeedTypeDisabledError{FeedType: t, ByUser: true}
	}
	return nil
}

// recordPage writes the analytics observation and the cursor registry. Failures are logged only.
func (r *Reader) recordPage(ctx context.Context, viewerID string, t feed.Type, page *Page, last *feed.Entry, elapsed time.Duration) {
	if r.recorder != nil {
		err := r.recorder.Record(ctx, analytics.Observation{
			ViewerID:    viewerID,
			FeedType:    t,
			At:          time.Now(),
			PostsServed: len(page.Posts),
			LoadTime:    elapsed,
			CacheHit:    page.CacheHit,
		})
		if err != nil {
			r.logger.Warn("failed to record feed analytics", "viewer_id", viewerID, "feed_type", t, "err", err)
		}
	}

	if last == nil {
		return
	}
	state := &CursorState{
		ViewerID:      viewerID,
		FeedType:      t,
		LastPostID:    last.PostID,
		LastRank:      last.Rank(),
		LastScore:     last.Score,
		LastTimestamp: last.PostCreatedAt,
		PagesServed:   1,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "viewer_id"}, {Name: "feed_type"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_post_id":   gorm.Expr("excluded.last_post_id"),
			"last_rank":      gorm.Expr("excluded.last_rank"),
			"last_score":     gorm.Expr("excluded.last_score"),
			"last_timestamp": gorm.Expr("excluded.last_timestamp"),
			"pages_served":   gorm.Expr("feed_cursor_states.pages_served + 1"),
			"updated_at":     gorm.Expr("excluded.updated_at"),
		}),
	}).Create(state).Error
	if err != nil {
		r.logger.Warn("failed to update cursor registry", "viewer_id", viewerID, "feed_type", t, "err", err)
	}
}

// CursorState returns the registry row for a viewer's feed.
func (r *Reader) CursorState(ctx context.Context, viewerID string, t feed.Type) (*CursorState, error) {
	var st CursorState
	err := r.db.WithContext(ctx).Where("viewer_id = ? AND feed_type = ?", viewerID, t).Take(&st).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, feed.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read cursor state: %w", err)
	}
	return &st, nil
}
