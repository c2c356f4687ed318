package materializer

import (
	"context"
	"fmt"
	"time"

	"github.com/ericvolp12/feedgen/pkg/feed"
	"go.opentelemetry.io/otel/attribute"
)

// PartitionKey names one (viewer, feed type) partition.
type PartitionKey struct {
	ViewerID string
	FeedType feed.Type
}

type PurgeResult struct {
	Expired   int64
	Invisible int64
	// Rerank lists partitions that lost visible rows to expiry and need fresh dense ranks.
	Rerank []PartitionKey
}

// Purge deletes entries of the given feed types whose expires_at has passed and invisible
// entries not touched for invisibleRetention. No types means every type.
func (m *Materializer) Purge(ctx context.Context, types []feed.Type, invisibleRetention time.Duration) (*PurgeResult, error) {
	ctx, span := tracer.Start(ctx, "Purge")
	defer span.End()

	now := m.cfg.Now().UTC()
	res := &PurgeResult{}
	if len(types) == 0 {
		types = feed.AllTypes
	}

	var keys []PartitionKey
	err := m.db.WithContext(ctx).Model(&feed.Entry{}).
		Distinct("viewer_id", "feed_type").
		Where("feed_type IN ? AND is_visible = ? AND expires_at IS NOT NULL AND expires_at < ?", types, true, now).
		Scan(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find expiring partitions: %w", err)
	}
	res.Rerank = keys

	expired := m.db.WithContext(ctx).
		Where("feed_type IN ? AND expires_at IS NOT NULL AND expires_at < ?", types, now).
		Delete(&feed.Entry{})
	if expired.Error != nil {
		return nil, fmt.Errorf("failed to purge expired entries: %w", expired.Error)
	}
	res.Expired = expired.RowsAffected
	entriesPurged.WithLabelValues("expired").Add(float64(res.Expired))

	if invisibleRetention > 0 {
		invisible := m.db.WithContext(ctx).
			Where("feed_type IN ? AND is_visible = ? AND updated_at < ?", types, false, now.Add(-invisibleRetention)).
			Delete(&feed.Entry{})
		if invisible.Error != nil {
			return nil, fmt.Errorf("failed to purge invisible entries: %w", invisible.Error)
		}
		res.Invisible = invisible.RowsAffected
		entriesPurged.WithLabelValues("invisible").Add(float64(res.Invisible))
	}

	span.SetAttributes(
		attribute.Int64("expired", res.Expired),
		attribute.Int64("invisible", res.Invisible),
		attribute.Int("rerank", len(res.Rerank)),
	)
	m.logger.Info("purged feed entries", "expired", res.Expired, "invisible", res.Invisible, "rerank", len(res.Rerank))
	return res, nil
}

// HoldersOfPost lists viewers with a visible entry for postID in any feed type.
func (m *Materializer) HoldersOfPost(ctx context.Context, postID string) ([]string, error) {
	var out []string
	err := m.db.WithContext(ctx).Model(&feed.Entry{}).
		Distinct("viewer_id").
		Where("post_id = ? AND is_visible = ?", postID, true).
		Pluck("viewer_id", &out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list holders of post: %w", err)
	}
	return out, nil
}

// HoldersOfAuthor lists viewers with a visible entry for any post by authorID.
func (m *Materializer) HoldersOfAuthor(ctx context.Context, authorID string) ([]string, error) {
	var out []string
	err := m.db.WithContext(ctx).Model(&feed.Entry{}).
		Distinct("viewer_id").
		Where("post_author_id = ? AND is_visible = ?", authorID, true).
		Pluck("viewer_id", &out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list holders of author: %w", err)
	}
	return out, nil
}
