package analytics

import (
	"time"

	"github.com/ericvolp12/feedgen/pkg/feed"
)

// DateLayout is the UTC day key of a Daily row.
const DateLayout = "2006-01-02"

// Daily aggregates one viewer's usage of one feed type over one UTC day.
type Daily struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`

	ViewerID string    `gorm:"not null;uniqueIndex:idx_analytics_day,priority:1" json:"viewerId"`
	FeedType feed.Type `gorm:"not null;uniqueIndex:idx_analytics_day,priority:2" json:"feedType"`
	Date     string    `gorm:"not null;uniqueIndex:idx_analytics_day,priority:3" json:"date"`

	RequestCount     int64 `gorm:"not null;default:0" json:"requestCount"`
	TotalPostsServed int64 `gorm:"not null;default:0" json:"totalPostsServed"`
	TotalViews       int64 `gorm:"not null;default:0" json:"totalViews"`
	TotalEngagement  int64 `gorm:"not null;default:0" json:"totalEngagement"`
	TotalLoadTimeMs  int64 `gorm:"not null;default:0" json:"totalLoadTimeMs"`
	CacheHits        int64 `gorm:"not null;default:0" json:"cacheHits"`

	AverageLoadTimeMs float64 `gorm:"not null;default:0" json:"averageLoadTimeMs"`
	CacheHitRate      float64 `gorm:"not null;default:0" json:"cacheHitRate"`
}

func (Daily) TableName() string { return "feed_analytics" }

// Observation is a single served feed page.
type Observation struct {
	ViewerID    string
	FeedType    feed.Type
	At          time.Time
	PostsServed int
	LoadTime    time.Duration
	CacheHit    bool
}

// EventKind distinguishes the events forwarded to sinks.
type EventKind string

const (
	EventPageServed EventKind = "page_served"
	EventEngagement EventKind = "engagement"
)

// Event is what sinks receive for every recorded observation or engagement.
type Event struct {
	Kind        EventKind
	ViewerID    string
	FeedType    feed.Type
	At          time.Time
	PostsServed int64
	LoadTimeMs  int64
	CacheHit    bool
	Engagement  int64
}
