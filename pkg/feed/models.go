package feed

import (
	"time"
)

// Entry is the materialized join of (viewer, feed type, post).
type Entry struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ViewerID     string `gorm:"uniqueIndex:idx_entry_partition_post,priority:1;index:idx_entry_author,priority:2"`
	FeedType     Type   `gorm:"uniqueIndex:idx_entry_partition_post,priority:2"`
	PostID       string `gorm:"uniqueIndex:idx_entry_partition_post,priority:3;index"`
	PostAuthorID string `gorm:"index:idx_entry_author,priority:1"`

	Score *float64

	ChronologicalRank int
	AlgorithmicRank   int
	FriendsRank       int
	TrendingRank      int

	PostCreatedAt   time.Time
	PostUpdatedAt   time.Time
	PrivacyLevel    PrivacyLevel
	EngagementCount int64
	ViewCount       int64
	LikeCount       int64
	CommentCount    int64
	ShareCount      int64

	UserRelationship Relationship
	IsVisible        bool       `gorm:"index"`
	ExpiresAt        *time.Time `gorm:"index"`
	MaterializedAt   int64
}

func (Entry) TableName() string { return "feed_entries" }

// Rank returns the rank the entry holds in its own feed type.
func (e *Entry) Rank() int {
	return e.RankFor(e.FeedType)
}

// RankFor returns the rank column for t.
func (e *Entry) RankFor(t Type) int {
	switch t {
	case Chronological:
		return e.ChronologicalRank
	case Algorithmic:
		return e.AlgorithmicRank
	case Friends:
		return e.FriendsRank
	case Trending:
		return e.TrendingRank
	}
	return 0
}

// SetRank sets the rank column for t.
func (e *Entry) SetRank(t Type, rank int) {
	switch t {
	case Chronological:
		e.ChronologicalRank = rank
	case Algorithmic:
		e.AlgorithmicRank = rank
	case Friends:
		e.FriendsRank = rank
	case Trending:
		e.TrendingRank = rank
	}
}

// RankColumn is the feed_entries column holding ranks for t.
func RankColumn(t Type) string {
	switch t {
	case Algorithmic:
		return "algorithmic_rank"
	case Friends:
		return "friends_rank"
	case Trending:
		return "trending_rank"
	}
	return "chronological_rank"
}

// Partition holds the materialization watermark of one (viewer, feed type) pair.
type Partition struct {
	ViewerID       string `gorm:"primaryKey"`
	FeedType       Type   `gorm:"primaryKey"`
	MaterializedAt int64
	EntryCount     int
	UpdatedAt      time.Time
}

func (Partition) TableName() string { return "feed_partitions" }
