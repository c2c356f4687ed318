package reader

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ericvolp12/feedgen/pkg/analytics"
	"github.com/ericvolp12/feedgen/pkg/content"
	"github.com/ericvolp12/feedgen/pkg/cursor"
	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/ericvolp12/feedgen/pkg/materializer"
	"github.com/ericvolp12/feedgen/pkg/prefs"
	"github.com/ericvolp12/feedgen/pkg/ranking"
	"github.com/ericvolp12/feedgen/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	db       *gorm.DB
	prefs    *prefs.Store
	recorder *analytics.Recorder
	reader   *Reader
}

func newFixture(t *testing.T, activation *feed.Activation) *fixture {
	t.Helper()
	db, err := store.OpenMemory(t.Name(),
		&feed.Entry{}, &feed.Partition{}, &prefs.UserFeedPreference{}, &CursorState{}, &analytics.Daily{})
	require.NoError(t, err)

	codec, err := cursor.NewCodec([]byte("reader-test-secret"))
	require.NoError(t, err)

	f := &fixture{db: db}
	f.prefs = prefs.NewStore(discard, db, nil)
	f.recorder = analytics.NewRecorder(discard, db)
	f.reader = New(discard, db, codec, f.prefs, activation, f.recorder)

	// Two friends, three posts by one and one by the other, all at distinct times.
	posts := content.NewMemoryStore()
	posts.Connect("v", "f1", content.ConnectionAccepted)
	posts.Connect("v", "f2", content.ConnectionAccepted)
	base := time.Now().UTC().Add(-time.Hour)
	posts.PutPost(content.PostSummary{ID: "t1", AuthorID: "f1", CreatedAt: base.Add(1 * time.Minute), PrivacyLevel: feed.PrivacyFriends})
	posts.PutPost(content.PostSummary{ID: "t2", AuthorID: "f2", CreatedAt: base.Add(2 * time.Minute), PrivacyLevel: feed.PrivacyFriends})
	posts.PutPost(content.PostSummary{ID: "t3", AuthorID: "f1", CreatedAt: base.Add(3 * time.Minute), PrivacyLevel: feed.PrivacyPublic})
	posts.PutPost(content.PostSummary{ID: "t4", AuthorID: "f1", CreatedAt: base.Add(4 * time.Minute), PrivacyLevel: feed.PrivacyPublic})

	mat := materializer.New(discard, db, posts, content.NewRuleOracle(posts), nil, ranking.DefaultConfig().Policy(), nil, materializer.DefaultConfig())
	for _, ft := range []feed.Type{feed.Chronological, feed.Friends} {
		_, err := mat.Materialize(context.Background(), materializer.Request{ViewerID: "v", FeedType: ft})
		require.NoError(t, err)
	}
	return f
}

func postIDs(page *Page) []string {
	out := make([]string, len(page.Posts))
	for i, p := range page.Posts {
		out[i] = p.PostID
	}
	return out
}

func TestPaginationScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.reader.GetPage(ctx, "v", feed.Chronological, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"t4", "t3"}, postIDs(first))
	assert.True(t, first.HasMore)
	assert.NotEmpty(t, first.NextCursor)
	assert.EqualValues(t, 4, first.TotalCount)
	assert.True(t, first.CacheHit)
	assert.Equal(t, 1, first.Posts[0].Rank)
	assert.Equal(t, feed.RelationshipFriend, first.Posts[0].UserRelationship)

	second, err := f.reader.GetPage(ctx, "v", feed.Chronological, first.NextCursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1"}, postIDs(second))
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)
	assert.EqualValues(t, 4, second.TotalCount)

	state, err := f.reader.CursorState(ctx, "v", feed.Chronological)
	require.NoError(t, err)
	assert.Equal(t, "t1", state.LastPostID)
	assert.Equal(t, 4, state.LastRank)
	assert.EqualValues(t, 2, state.PagesServed)

	rows, err := f.recorder.Daily(ctx, "v", time.Now(), time.Now())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0].RequestCount)
	assert.EqualValues(t, 4, rows[0].TotalPostsServed)
	assert.EqualValues(t, 2, rows[0].CacheHits)
}

func TestPaginationVisitsEveryEntryOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, size := range []int{1, 2, 3, 4, 5} {
		seen := map[string]int{}
		token := ""
		pages := 0
		for {
			page, err := f.reader.GetPage(ctx, "v", feed.Friends, token, size)
			require.NoError(t, err)
			pages++
			for _, p := range page.Posts {
				seen[p.PostID]++
			}
			if !page.HasMore {
				break
			}
			token = page.NextCursor
			require.Less(t, pages, 10)
		}
		assert.Len(t, seen, 4, "page size %d", size)
		for id, n := range seen {
			assert.Equal(t, 1, n, "page size %d post %s", size, id)
		}
	}
}

func TestEmptyFeed(t *testing.T) {
	f := newFixture(t, nil)
	page, err := f.reader.GetPage(context.Background(), "nobody", feed.Trending, "", 0)
	require.NoError(t, err)
	assert.Empty(t, page.Posts)
	assert.NotNil(t, page.Posts)
	assert.False(t, page.HasMore)
	assert.Zero(t, page.TotalCount)
}

func TestInvalidCursors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.reader.GetPage(ctx, "v", feed.Chronological, "", 1)
	require.NoError(t, err)

	_, err = f.reader.GetPage(ctx, "v", feed.Friends, first.NextCursor, 1)
	assert.True(t, feed.IsInvalidCursor(err), "cursor from another feed type: %v", err)

	_, err = f.reader.GetPage(ctx, "v", feed.Chronological, "not-a-cursor", 1)
	assert.True(t, feed.IsInvalidCursor(err))

	other, err := cursor.NewCodec([]byte("another-secret"))
	require.NoError(t, err)
	forged, err := other.Encode(cursor.Position{FeedType: feed.Chronological, PostID: "t4", Rank: 1})
	require.NoError(t, err)
	_, err = f.reader.GetPage(ctx, "v", feed.Chronological, forged, 1)
	assert.True(t, feed.IsInvalidCursor(err))
}

func TestDisabledFeedTypes(t *testing.T) {
	f := newFixture(t, feed.NewActivation([]feed.Type{feed.Trending}))
	ctx := context.Background()

	_, err := f.reader.GetPage(ctx, "v", feed.Trending, "", 10)
	require.True(t, feed.IsFeedTypeDisabled(err))

	_, err = f.prefs.Update(ctx, "v", prefs.Patch{Enabled: map[feed.Type]bool{feed.Friends: false}})
	require.NoError(t, err)
	_, err = f.reader.GetPage(ctx, "v", feed.Friends, "", 10)
	require.True(t, feed.IsFeedTypeDisabled(err))

	_, err = f.reader.GetPage(ctx, "v", feed.Chronological, "", 10)
	require.NoError(t, err)
}

func TestResolveType(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ft, err := f.reader.ResolveType(ctx, "v", "default")
	require.NoError(t, err)
	assert.Equal(t, feed.Chronological, ft)

	algo := feed.Algorithmic
	_, err = f.prefs.Update(ctx, "v", prefs.Patch{DefaultFeedType: &algo})
	require.NoError(t, err)
	ft, err = f.reader.ResolveType(ctx, "v", "Default")
	require.NoError(t, err)
	assert.Equal(t, feed.Algorithmic, ft)

	ft, err = f.reader.ResolveType(ctx, "v", "TRENDING")
	require.NoError(t, err)
	assert.Equal(t, feed.Trending, ft)

	_, err = f.reader.ResolveType(ctx, "v", "bogus")
	assert.True(t, feed.IsValidation(err))
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, ClampPageSize(0))
	assert.Equal(t, DefaultPageSize, ClampPageSize(-3))
	assert.Equal(t, 1, ClampPageSize(1))
	assert.Equal(t, MaxPageSize, ClampPageSize(1000))
}
