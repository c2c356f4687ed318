package materializer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ericvolp12/feedgen/pkg/content"
	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/ericvolp12/feedgen/pkg/prefs"
	"github.com/ericvolp12/feedgen/pkg/ranking"
	"github.com/ericvolp12/feedgen/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	t0      = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

type env struct {
	db    *gorm.DB
	posts *content.MemoryStore
	prefs *prefs.Store
	m     *Materializer
	now   time.Time
}

func newEnv(t *testing.T, oracle content.PrivacyOracle) *env {
	t.Helper()
	db, err := store.OpenMemory(t.Name(), &feed.Entry{}, &feed.Partition{}, &prefs.UserFeedPreference{})
	require.NoError(t, err)

	e := &env{db: db, posts: content.NewMemoryStore(), now: t0.Add(time.Hour)}
	e.prefs = prefs.NewStore(discard, db, nil)
	if oracle == nil {
		oracle = content.NewRuleOracle(e.posts)
	}
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return e.now }
	e.m = New(discard, db, e.posts, oracle, e.prefs, ranking.DefaultConfig().Policy(), nil, cfg)
	return e
}

func (e *env) visible(t *testing.T, viewer string, ft feed.Type) []feed.Entry {
	t.Helper()
	var out []feed.Entry
	require.NoError(t, e.db.Where("viewer_id = ? AND feed_type = ? AND is_visible = ?", viewer, ft, true).
		Order(feed.RankColumn(ft) + " ASC").Find(&out).Error)
	return out
}

func ids(entries []feed.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.PostID
	}
	return out
}

func assertDense(t *testing.T, entries []feed.Entry) {
	t.Helper()
	ranks := make([]int, len(entries))
	for i, e := range entries {
		ranks[i] = e.Rank()
	}
	sort.Ints(ranks)
	for i, r := range ranks {
		require.Equal(t, i+1, r, "ranks must be dense: %v", ranks)
	}
}

// seedScenario: viewer v has friends f1 (3 posts) and f2 (1 post), created t1<t2<t3<t4.
func (e *env) seedScenario() {
	e.posts.Connect("v", "f1", content.ConnectionAccepted)
	e.posts.Connect("v", "f2", content.ConnectionAccepted)
	e.posts.PutPost(content.PostSummary{ID: "p1", AuthorID: "f1", CreatedAt: t0.Add(1 * time.Minute), PrivacyLevel: feed.PrivacyFriends})
	e.posts.PutPost(content.PostSummary{ID: "p2", AuthorID: "f2", CreatedAt: t0.Add(2 * time.Minute), PrivacyLevel: feed.PrivacyPublic, Likes: 40})
	e.posts.PutPost(content.PostSummary{ID: "p3", AuthorID: "f1", CreatedAt: t0.Add(3 * time.Minute), PrivacyLevel: feed.PrivacyPublic})
	e.posts.PutPost(content.PostSummary{ID: "p4", AuthorID: "f1", CreatedAt: t0.Add(4 * time.Minute), PrivacyLevel: feed.PrivacyFriends, Comments: 1})
}

func TestChronologicalRanksAreDenseAndRecent(t *testing.T) {
	e := newEnv(t, nil)
	e.seedScenario()
	ctx := context.Background()

	res, err := e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: feed.Chronological})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Visible)
	assert.False(t, res.Stale)

	entries := e.visible(t, "v", feed.Chronological)
	assert.Equal(t, []string{"p4", "p3", "p2", "p1"}, ids(entries))
	assertDense(t, entries)
	for _, en := range entries {
		assert.Equal(t, feed.RelationshipFriend, en.UserRelationship)
		assert.Nil(t, en.Score)
		assert.Nil(t, en.ExpiresAt)
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	e.seedScenario()
	e.posts.PutPost(content.PostSummary{ID: "s1", AuthorID: "stranger", CreatedAt: t0, PrivacyLevel: feed.PrivacyPublic, Shares: 9})
	ctx := context.Background()

	for _, ft := range feed.AllTypes {
		_, err := e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: ft})
		require.NoError(t, err)
		first := e.visible(t, "v", ft)

		e.now = e.now.Add(time.Minute)
		res, err := e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: ft})
		require.NoError(t, err)
		assert.Zero(t, res.Hidden)
		second := e.visible(t, "v", ft)

		require.Equal(t, len(first), len(second), ft)
		for i := range first {
			assert.Equal(t, first[i].PostID, second[i].PostID)
			assert.Equal(t, first[i].Rank(), second[i].Rank())
			assert.Equal(t, first[i].Score, second[i].Score)
			assert.Equal(t, first[i].ID, second[i].ID, "upsert must not create new rows")
		}
		assertDense(t, second)
	}
}

func TestCandidateSetsPerFeedType(t *testing.T) {
	e := newEnv(t, nil)
	e.seedScenario()
	e.posts.PutPost(content.PostSummary{ID: "own", AuthorID: "v", CreatedAt: t0.Add(5 * time.Minute), PrivacyLevel: feed.PrivacyPrivate})
	e.posts.PutPost(content.PostSummary{ID: "viral", AuthorID: "stranger", CreatedAt: t0, PrivacyLevel: feed.PrivacyPublic, Likes: 1000, Shares: 200})
	ctx := context.Background()

	for _, ft := range feed.AllTypes {
		_, err := e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: ft})
		require.NoError(t, err)
	}

	chrono := ids(e.visible(t, "v", feed.Chronological))
	assert.Equal(t, []string{"own", "p4", "p3", "p2", "p1"}, chrono)

	friends := ids(e.visible(t, "v", feed.Friends))
	assert.Equal(t, []string{"p4", "p3", "p2", "p1"}, friends)

	trending := e.visible(t, "v", feed.Trending)
	assert.Equal(t, "viral", trending[0].PostID)
	assert.Contains(t, ids(trending), "p1", "friends-only posts reach friends through trending")
	assert.Contains(t, ids(trending), "own")
	for _, en := range trending {
		require.NotNil(t, en.Score)
		require.NotNil(t, en.ExpiresAt)
	}
	for i := 1; i < len(trending); i++ {
		assert.GreaterOrEqual(t, *trending[i-1].Score, *trending[i].Score)
	}

	algo := ids(e.visible(t, "v", feed.Algorithmic))
	assert.ElementsMatch(t, []string{"p1", "p2", "p3", "p4", "viral", "own"}, algo)
	assertDense(t, e.visible(t, "v", feed.Algorithmic))

	rel := map[string]feed.Relationship{}
	for _, en := range e.visible(t, "v", feed.Algorithmic) {
		rel[en.PostID] = en.UserRelationship
	}
	assert.Equal(t, feed.RelationshipSelf, rel["own"])
	assert.Equal(t, feed.RelationshipPublic, rel["viral"])
	assert.Equal(t, feed.RelationshipFriend, rel["p2"])
}

func TestPrivacyChangeHidesPost(t *testing.T) {
	e := newEnv(t, nil)
	e.seedScenario()
	ctx := context.Background()

	// A non-friend sees p3 through Trending while it is public.
	_, err := e.m.Materialize(ctx, Request{ViewerID: "outsider", FeedType: feed.Trending})
	require.NoError(t, err)
	assert.Contains(t, ids(e.visible(t, "outsider", feed.Trending)), "p3")

	p3, _ := e.posts.Post("p3")
	p3.PrivacyLevel = feed.PrivacyPrivate
	e.posts.PutPost(p3)

	for _, viewer := range []string{"outsider", "v"} {
		for _, ft := range feed.AllTypes {
			_, err := e.m.Materialize(ctx, Request{ViewerID: viewer, FeedType: ft})
			require.NoError(t, err)
			entries := e.visible(t, viewer, ft)
			assert.NotContains(t, ids(entries), "p3", "%s/%s", viewer, ft)
			assertDense(t, entries)
		}
	}

	var hidden feed.Entry
	require.NoError(t, e.db.Where("viewer_id = ? AND post_id = ? AND feed_type = ?", "outsider", "p3", feed.Trending).First(&hidden).Error)
	assert.False(t, hidden.IsVisible, "denied entries are hidden, not deleted")

	holders, err := e.m.HoldersOfPost(ctx, "p3")
	require.NoError(t, err)
	assert.Empty(t, holders)
}

type flakyOracle struct {
	content.PrivacyOracle
	failFor string
}

func (o flakyOracle) CanAccess(ctx context.Context, ownerID, viewerID string, level feed.PrivacyLevel) (bool, error) {
	if ownerID == o.failFor {
		return false, errors.New("oracle unavailable")
	}
	return o.PrivacyOracle.CanAccess(ctx, ownerID, viewerID, level)
}

func TestOracleFailureSkipsOnlyThatPost(t *testing.T) {
	posts := content.NewMemoryStore()
	e := newEnv(t, flakyOracle{PrivacyOracle: content.NewRuleOracle(posts), failFor: "f2"})
	e.posts = posts
	e.m.content = posts
	e.seedScenario()

	res, err := e.m.Materialize(context.Background(), Request{ViewerID: "v", FeedType: feed.Chronological})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PostErrors)
	assert.Equal(t, []string{"p4", "p3", "p1"}, ids(e.visible(t, "v", feed.Chronological)))
	assertDense(t, e.visible(t, "v", feed.Chronological))
}

func TestOverlongPostIDIsSkipped(t *testing.T) {
	e := newEnv(t, nil)
	e.seedScenario()
	e.posts.PutPost(content.PostSummary{
		ID: strings.Repeat("z", feed.MaxPostIDLength+1), AuthorID: "f1", CreatedAt: t0.Add(5 * time.Minute), PrivacyLevel: feed.PrivacyPublic,
	})

	res, err := e.m.Materialize(context.Background(), Request{ViewerID: "v", FeedType: feed.Chronological})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PostErrors)
	assert.Equal(t, []string{"p4", "p3", "p2", "p1"}, ids(e.visible(t, "v", feed.Chronological)))
}

func TestDisabledFeedTypeHidesEntries(t *testing.T) {
	e := newEnv(t, nil)
	e.seedScenario()
	ctx := context.Background()

	_, err := e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: feed.Friends})
	require.NoError(t, err)
	require.Len(t, e.visible(t, "v", feed.Friends), 4)

	_, err = e.prefs.Update(ctx, "v", prefs.Patch{Enabled: map[feed.Type]bool{feed.Friends: false}})
	require.NoError(t, err)

	res, err := e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: feed.Friends})
	require.NoError(t, err)
	assert.True(t, res.Disabled)
	assert.EqualValues(t, 4, res.Hidden)
	assert.Empty(t, e.visible(t, "v", feed.Friends))
}

func TestStaleMaterializationIsDiscarded(t *testing.T) {
	e := newEnv(t, nil)
	e.seedScenario()
	ctx := context.Background()

	_, err := e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: feed.Chronological})
	require.NoError(t, err)

	// A newer writer elsewhere already advanced the watermark.
	require.NoError(t, e.db.Model(&feed.Partition{}).
		Where("viewer_id = ? AND feed_type = ?", "v", feed.Chronological).
		Update("materialized_at", e.now.Add(time.Hour).UnixNano()).Error)

	e.posts.DeletePost("p4")
	res, err := e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: feed.Chronological})
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, []string{"p4", "p3", "p2", "p1"}, ids(e.visible(t, "v", feed.Chronological)))
}

// pausingStore reads candidates, then holds the first caller until released.
type pausingStore struct {
	content.Store
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (s *pausingStore) CandidatePosts(ctx context.Context, q content.CandidateQuery) ([]content.PostSummary, error) {
	posts, err := s.Store.CandidatePosts(ctx, q)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.read)
		<-s.release
	}
	return posts, err
}

func TestSlowRunWithOlderReadIsDiscarded(t *testing.T) {
	e := newEnv(t, nil)
	e.seedScenario()
	ctx := context.Background()

	ps := &pausingStore{Store: e.posts, read: make(chan struct{}), release: make(chan struct{})}
	e.m.content = ps

	type outcome struct {
		res *Result
		err error
	}
	slow := make(chan outcome, 1)
	go func() {
		res, err := e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: feed.Chronological})
		slow <- outcome{res, err}
	}()
	<-ps.read

	// p2 goes private after the slow run read it as public.
	p2, ok := e.posts.Post("p2")
	require.True(t, ok)
	p2.PrivacyLevel = feed.PrivacyPrivate
	e.posts.PutPost(p2)

	fast, err := e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: feed.Chronological})
	require.NoError(t, err)
	assert.False(t, fast.Stale)
	assert.Equal(t, []string{"p4", "p3", "p1"}, ids(e.visible(t, "v", feed.Chronological)))

	close(ps.release)
	got := <-slow
	require.NoError(t, got.err)
	assert.True(t, got.res.Stale)
	assert.Less(t, got.res.MaterializedAt, fast.MaterializedAt)

	entries := e.visible(t, "v", feed.Chronological)
	assert.Equal(t, []string{"p4", "p3", "p1"}, ids(entries))
	assertDense(t, entries)
}

func TestMaterializeValidates(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.m.Materialize(context.Background(), Request{ViewerID: "", FeedType: feed.Chronological})
	assert.True(t, feed.IsValidation(err))
	_, err = e.m.Materialize(context.Background(), Request{ViewerID: "v", FeedType: "bogus"})
	assert.True(t, feed.IsValidation(err))
}

type failingStore struct {
	content.Store
	failFor string
}

func (s failingStore) Connections(ctx context.Context, userID string) ([]content.Connection, error) {
	if userID == s.failFor {
		return nil, errors.New("content store down")
	}
	return s.Store.Connections(ctx, userID)
}

func TestMaterializeViewersIsolatesFailures(t *testing.T) {
	e := newEnv(t, nil)
	e.seedScenario()
	e.m.content = failingStore{Store: e.posts, failFor: "broken"}

	batch := e.m.MaterializeViewers(context.Background(), []string{"v", "broken", "v"}, []feed.Type{feed.Chronological}, "")
	assert.Equal(t, 2, batch.Attempts)
	assert.Len(t, batch.Results, 1)
	assert.Len(t, batch.Failures, 1)
	assert.False(t, batch.Failed())
	assert.Error(t, batch.Err())
	assert.Len(t, e.visible(t, "v", feed.Chronological), 4)
}

func TestPurge(t *testing.T) {
	e := newEnv(t, nil)
	e.seedScenario()
	ctx := context.Background()

	_, err := e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: feed.Trending})
	require.NoError(t, err)
	_, err = e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: feed.Chronological})
	require.NoError(t, err)
	e.posts.DeletePost("p1")
	_, err = e.m.Materialize(ctx, Request{ViewerID: "v", FeedType: feed.Chronological})
	require.NoError(t, err)

	e.now = e.now.Add(25 * time.Hour)

	// Scoped to chronological: only its hidden entry goes, trending waits for its own cleanup.
	res, err := e.m.Purge(ctx, []feed.Type{feed.Chronological}, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Expired)
	assert.EqualValues(t, 1, res.Invisible)
	assert.Empty(t, res.Rerank)
	assert.Len(t, e.visible(t, "v", feed.Trending), 4)

	res, err = e.m.Purge(ctx, nil, time.Hour)
	require.NoError(t, err)

	assert.EqualValues(t, 4, res.Expired)
	assert.EqualValues(t, 0, res.Invisible)
	assert.Equal(t, []PartitionKey{{ViewerID: "v", FeedType: feed.Trending}}, res.Rerank)
	assert.Empty(t, e.visible(t, "v", feed.Trending))
	assert.Len(t, e.visible(t, "v", feed.Chronological), 3)
}
