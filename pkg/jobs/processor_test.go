package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ericvolp12/feedgen/pkg/content"
	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/ericvolp12/feedgen/pkg/materializer"
	"github.com/ericvolp12/feedgen/pkg/queue"
	"github.com/ericvolp12/feedgen/pkg/ranking"
	"github.com/ericvolp12/feedgen/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	db    *gorm.DB
	posts *content.MemoryStore
	mat   *materializer.Materializer
	queue *queue.Queue
	proc  *Processor
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.OpenMemory(t.Name(), &feed.Entry{}, &feed.Partition{}, &queue.Job{})
	require.NoError(t, err)

	h := &harness{db: db, posts: content.NewMemoryStore(), now: t0.Add(time.Hour)}
	clock := func() time.Time { return h.now }

	mcfg := materializer.DefaultConfig()
	mcfg.Now = clock
	h.mat = materializer.New(discard, db, h.posts, content.NewRuleOracle(h.posts), nil, ranking.DefaultConfig().Policy(), nil, mcfg)
	h.queue = queue.New(discard, db, queue.Config{Now: clock})
	h.proc = NewProcessor(discard, h.mat, h.posts, Config{ChunkSize: 2, InvisibleRetention: time.Hour})
	return h
}

// run enqueues spec, claims it and processes it like a worker would.
func (h *harness) run(t *testing.T, spec queue.Spec) error {
	t.Helper()
	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, spec)
	require.NoError(t, err)
	job, err := h.queue.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	procErr := h.proc.Process(ctx, job)
	if procErr != nil {
		require.NoError(t, h.queue.Fail(ctx, job, procErr))
	} else {
		require.NoError(t, h.queue.Complete(ctx, job))
	}
	return procErr
}

func (h *harness) visible(t *testing.T, viewer string, ft feed.Type) []string {
	t.Helper()
	var out []string
	require.NoError(t, h.db.Model(&feed.Entry{}).
		Where("viewer_id = ? AND feed_type = ? AND is_visible = ?", viewer, ft, true).
		Order(feed.RankColumn(ft)+" ASC").
		Pluck("post_id", &out).Error)
	return out
}

func TestPostCreatedFansOutToAuthorAndFriends(t *testing.T) {
	h := newHarness(t)
	h.posts.Connect("author", "f1", content.ConnectionAccepted)
	h.posts.Connect("author", "f2", content.ConnectionAccepted)
	h.posts.Connect("author", "pending", content.ConnectionPending)
	h.posts.PutPost(content.PostSummary{ID: "p1", AuthorID: "author", CreatedAt: t0, PrivacyLevel: feed.PrivacyFriends})

	require.NoError(t, h.run(t, queue.Spec{JobType: queue.JobPostCreated, UserID: "author", PostID: "p1"}))

	assert.Equal(t, []string{"p1"}, h.visible(t, "author", feed.Chronological))
	assert.Equal(t, []string{"p1"}, h.visible(t, "f1", feed.Friends))
	assert.Equal(t, []string{"p1"}, h.visible(t, "f2", feed.Algorithmic))
	assert.Empty(t, h.visible(t, "pending", feed.Chronological))
}

func TestPrivacyChangedRemovesPostFromOutsiders(t *testing.T) {
	h := newHarness(t)
	h.posts.Connect("author", "friend", content.ConnectionAccepted)
	h.posts.PutPost(content.PostSummary{ID: "p1", AuthorID: "author", CreatedAt: t0, PrivacyLevel: feed.PrivacyPublic, Likes: 10})

	require.NoError(t, h.run(t, queue.Spec{JobType: queue.JobBulkUpdate, AffectedUserIDs: []string{"outsider"}, FeedTypes: []feed.Type{feed.Trending}}))
	require.Equal(t, []string{"p1"}, h.visible(t, "outsider", feed.Trending))

	p, _ := h.posts.Post("p1")
	p.PrivacyLevel = feed.PrivacyFriends
	h.posts.PutPost(p)

	require.NoError(t, h.run(t, queue.Spec{JobType: queue.JobPrivacyChanged, UserID: "author"}))

	assert.Empty(t, h.visible(t, "outsider", feed.Trending))
	assert.Equal(t, []string{"p1"}, h.visible(t, "friend", feed.Trending))
	assert.Equal(t, []string{"p1"}, h.visible(t, "author", feed.Chronological))
}

func TestFriendshipChangedRebuildsBothSides(t *testing.T) {
	h := newHarness(t)
	h.posts.PutPost(content.PostSummary{ID: "a1", AuthorID: "a", CreatedAt: t0, PrivacyLevel: feed.PrivacyFriends})
	h.posts.PutPost(content.PostSummary{ID: "b1", AuthorID: "b", CreatedAt: t0, PrivacyLevel: feed.PrivacyFriends})

	h.posts.Connect("a", "b", content.ConnectionAccepted)
	require.NoError(t, h.run(t, queue.Spec{JobType: queue.JobFriendshipChanged, UserID: "a", AffectedUserIDs: []string{"b"}}))
	assert.Equal(t, []string{"b1"}, h.visible(t, "a", feed.Friends))
	assert.Equal(t, []string{"a1"}, h.visible(t, "b", feed.Friends))

	h.posts.Disconnect("a", "b")
	h.now = h.now.Add(time.Minute)
	require.NoError(t, h.run(t, queue.Spec{JobType: queue.JobFriendshipChanged, UserID: "b", AffectedUserIDs: []string{"a"}}))
	assert.Empty(t, h.visible(t, "a", feed.Friends))
	assert.Empty(t, h.visible(t, "b", feed.Friends))
}

func TestCleanupRerankAfterExpiry(t *testing.T) {
	h := newHarness(t)
	h.posts.PutPost(content.PostSummary{ID: "old", AuthorID: "x", CreatedAt: t0.Add(-40 * time.Hour), PrivacyLevel: feed.PrivacyPublic, Likes: 50})
	h.posts.PutPost(content.PostSummary{ID: "new", AuthorID: "y", CreatedAt: t0, PrivacyLevel: feed.PrivacyPublic, Likes: 1})

	require.NoError(t, h.run(t, queue.Spec{JobType: queue.JobBulkUpdate, AffectedUserIDs: []string{"v"}, FeedTypes: []feed.Type{feed.Trending}}))
	require.ElementsMatch(t, []string{"old", "new"}, h.visible(t, "v", feed.Trending))

	// "old" has left the trending window by the time its entries expire.
	h.now = h.now.Add(25 * time.Hour)

	// A cleanup scoped to another feed type leaves trending untouched.
	require.NoError(t, h.run(t, queue.Spec{JobType: queue.JobCleanup, FeedTypes: []feed.Type{feed.Chronological}}))
	require.ElementsMatch(t, []string{"old", "new"}, h.visible(t, "v", feed.Trending))

	require.NoError(t, h.run(t, queue.Spec{JobType: queue.JobCleanup}))

	assert.Equal(t, []string{"new"}, h.visible(t, "v", feed.Trending))
	var entry feed.Entry
	require.NoError(t, h.db.Where("viewer_id = ? AND feed_type = ? AND post_id = ?", "v", feed.Trending, "new").First(&entry).Error)
	assert.Equal(t, 1, entry.Rank())
	assert.True(t, entry.ExpiresAt.After(h.now))
}

type failingStore struct {
	content.Store
	fail map[string]bool
}

func (s failingStore) Connections(ctx context.Context, userID string) ([]content.Connection, error) {
	if s.fail[userID] {
		return nil, errors.New("content store unavailable")
	}
	return s.Store.Connections(ctx, userID)
}

func TestJobFailsOnlyWhenEveryViewerFails(t *testing.T) {
	db, err := store.OpenMemory(t.Name(), &feed.Entry{}, &feed.Partition{})
	require.NoError(t, err)
	posts := content.NewMemoryStore()
	broken := failingStore{Store: posts, fail: map[string]bool{"x": true, "y": true}}
	mat := materializer.New(discard, db, broken, content.NewRuleOracle(posts), nil, ranking.DefaultConfig().Policy(), nil, materializer.DefaultConfig())
	proc := NewProcessor(discard, mat, posts, Config{ChunkSize: 1})
	ctx := context.Background()

	partial := &queue.Job{ID: 1, JobType: queue.JobBulkUpdate, AffectedUserIDs: []string{"x", "ok"}, FeedTypes: []feed.Type{feed.Friends}}
	assert.NoError(t, proc.Process(ctx, partial))

	total := &queue.Job{ID: 2, JobType: queue.JobBulkUpdate, AffectedUserIDs: []string{"x", "y"}, FeedTypes: []feed.Type{feed.Friends}}
	assert.Error(t, proc.Process(ctx, total))

	var missing *MissingHandlerError
	assert.ErrorAs(t, proc.Process(ctx, &queue.Job{ID: 3, JobType: "reindex"}), &missing)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, *queue.Job) error { return nil }
	require.NoError(t, r.Register(queue.JobCleanup, noop))
	assert.Error(t, r.Register(queue.JobCleanup, noop))
	assert.Error(t, r.Register(queue.JobBulkUpdate, nil))
	_, ok := r.Get(queue.JobPostCreated)
	assert.False(t, ok)
}
