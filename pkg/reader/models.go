package reader

import (
	"time"

	"github.com/ericvolp12/feedgen/pkg/feed"
)

// CursorState is the server-side record of how far a viewer has paged through a feed.
type CursorState struct {
	ViewerID      string    `gorm:"primaryKey"`
	FeedType      feed.Type `gorm:"primaryKey"`
	LastPostID    string
	LastRank      int
	LastScore     *float64
	LastTimestamp time.Time
	PagesServed   int64 `gorm:"not null;default:0"`
	UpdatedAt     time.Time
}

func (CursorState) TableName() string { return "feed_cursor_states" }

// Post is one rendered feed item.
type Post struct {
	PostID           string            `json:"postId"`
	AuthorID         string            `json:"authorId"`
	Rank             int               `json:"rank"`
	Score            *float64          `json:"score,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	PrivacyLevel     feed.PrivacyLevel `json:"privacyLevel"`
	EngagementCount  int64             `json:"engagementCount"`
	ViewCount        int64             `json:"viewCount"`
	LikeCount        int64             `json:"likeCount"`
	CommentCount     int64             `json:"commentCount"`
	ShareCount       int64             `json:"shareCount"`
	UserRelationship feed.Relationship `json:"userRelationship"`
}

func postFromEntry(e *feed.Entry) Post {
	return Post{
		PostID:           e.PostID,
		AuthorID:         e.PostAuthorID,
		Rank:             e.Rank(),
		Score:            e.Score,
		CreatedAt:        e.PostCreatedAt,
		UpdatedAt:        e.PostUpdatedAt,
		PrivacyLevel:     e.PrivacyLevel,
		EngagementCount:  e.EngagementCount,
		ViewCount:        e.ViewCount,
		LikeCount:        e.LikeCount,
		CommentCount:     e.CommentCount,
		ShareCount:       e.ShareCount,
		UserRelationship: e.UserRelationship,
	}
}

type Page struct {
	FeedType   feed.Type `json:"feedType"`
	Posts      []Post    `json:"posts"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
	TotalCount int64     `json:"totalCount"`
	// LoadTime is in milliseconds.
	LoadTime int64 `json:"loadTime"`
	CacheHit bool  `json:"cacheHit"`
}
