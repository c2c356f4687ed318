package bq

import (
	"time"

	"github.com/ericvolp12/feedgen/pkg/analytics"
)

// Record is one analytics event as a BigQuery row.
type Record struct {
	CreatedAt time.Time `bigquery:"created_at"`

	Kind        string `bigquery:"kind"`
	ViewerID    string `bigquery:"viewer_id"`
	FeedType    string `bigquery:"feed_type"`
	PostsServed int64  `bigquery:"posts_served"`
	LoadTimeMs  int64  `bigquery:"load_time_ms"`
	CacheHit    bool   `bigquery:"cache_hit"`
	Engagement  int64  `bigquery:"engagement"`
}

func recordFromEvent(ev analytics.Event) *Record {
	return &Record{
		CreatedAt:   ev.At.UTC(),
		Kind:        string(ev.Kind),
		ViewerID:    ev.ViewerID,
		FeedType:    string(ev.FeedType),
		PostsServed: ev.PostsServed,
		LoadTimeMs:  ev.LoadTimeMs,
		CacheHit:    ev.CacheHit,
		Engagement:  ev.Engagement,
	}
}
