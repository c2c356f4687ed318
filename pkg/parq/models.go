package parq

import "github.com/ericvolp12/feedgen/pkg/analytics"

// Record is one analytics event as a parquet row.
type Record struct {
	CreatedAt   int64  `parquet:"created_at,timestamp(millisecond)"`
	Kind        string `parquet:"kind,dict"`
	ViewerID    string `parquet:"viewer_id"`
	FeedType    string `parquet:"feed_type,dict"`
	PostsServed int64  `parquet:"posts_served"`
	LoadTimeMs  int64  `parquet:"load_time_ms"`
	CacheHit    bool   `parquet:"cache_hit"`
	Engagement  int64  `parquet:"engagement"`
}

func recordFromEvent(ev analytics.Event) *Record {
	return &Record{
		CreatedAt:   ev.At.UTC().UnixMilli(),
		Kind:        string(ev.Kind),
		ViewerID:    ev.ViewerID,
		FeedType:    string(ev.FeedType),
		PostsServed: ev.PostsServed,
		LoadTimeMs:  ev.LoadTimeMs,
		CacheHit:    ev.CacheHit,
		Engagement:  ev.Engagement,
	}
}
