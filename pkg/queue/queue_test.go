package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/ericvolp12/feedgen/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	db, err := store.OpenMemory(t.Name(), &Job{})
	require.NoError(t, err)
	c := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	q := New(discard, db, Config{
		MaxAttempts:       3,
		VisibilityTimeout: time.Minute,
		RetryInitial:      time.Second,
		RetryMax:          10 * time.Second,
		Now:               c.Now,
	})
	return q, c
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	bad := []Spec{
		{JobType: "reindex"},
		{JobType: JobPrivacyChanged, UserID: "u", Priority: 11},
		{JobType: JobPrivacyChanged, UserID: "u", Priority: -1},
		{JobType: JobPrivacyChanged, UserID: "u", FeedTypes: []feed.Type{"bogus"}},
		{JobType: JobPrivacyChanged},
		{JobType: JobPostCreated, UserID: "u"},
		{JobType: JobPostCreated, PostID: "p"},
		{JobType: JobFriendshipChanged, UserID: "u"},
		{JobType: JobBulkUpdate},
		{JobType: JobCleanup, MaxAttempts: -2},
	}
	for _, spec := range bad {
		_, err := q.Enqueue(ctx, spec)
		assert.True(t, feed.IsValidation(err), "%+v: %v", spec, err)
	}

	job, err := q.Enqueue(ctx, Spec{
		JobType:         JobPostCreated,
		UserID:          "author",
		PostID:          "p1",
		AffectedUserIDs: []string{"a", "", "a", "b"},
		FeedTypes:       []feed.Type{feed.Trending, feed.Trending},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, []string{"a", "b"}, job.AffectedUserIDs)
	assert.Equal(t, []feed.Type{feed.Trending}, job.Types())

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "author", stored.User())
	assert.Equal(t, "p1", stored.Post())
	assert.Equal(t, []string{"a", "b"}, stored.AffectedUserIDs)

	cleanup, err := q.Enqueue(ctx, Spec{JobType: JobCleanup})
	require.NoError(t, err)
	assert.Equal(t, 1, cleanup.Priority)
	assert.Equal(t, feed.AllTypes, cleanup.Types())

	_, err = q.Get(ctx, 9999)
	assert.ErrorIs(t, err, feed.ErrNotFound)
}

func TestClaimOrder(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := q.Enqueue(ctx, Spec{JobType: JobPostCreated, UserID: "u", PostID: "p", Priority: 5})
		require.NoError(t, err)
		c.Advance(time.Millisecond)
	}
	urgent, err := q.Enqueue(ctx, Spec{JobType: JobPostCreated, UserID: "u", PostID: "p", Priority: 10})
	require.NoError(t, err)

	first, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, urgent.ID, first.ID)
	assert.Equal(t, StatusProcessing, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.NotEmpty(t, first.ClaimToken)
	require.NoError(t, q.Complete(ctx, first))

	var lastID uint
	for i := 0; i < 100; i++ {
		job, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, 5, job.Priority)
		assert.Greater(t, job.ID, lastID, "equal priorities dequeue in FIFO order")
		lastID = job.ID
		require.NoError(t, q.Complete(ctx, job))
	}

	none, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Completed: 101}, stats)
}

func TestClaimIsExclusive(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Spec{JobType: JobPrivacyChanged, UserID: "u"})
	require.NoError(t, err)

	first, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)

	stale := *first
	stale.ClaimToken = "someone-else"
	assert.ErrorIs(t, q.Complete(ctx, &stale), ErrClaimLost)
	require.NoError(t, q.Complete(ctx, first))
	assert.ErrorIs(t, q.Complete(ctx, first), ErrClaimLost)
}

func TestRetryBound(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, Spec{JobType: JobPrivacyChanged, UserID: "u"})
	require.NoError(t, err)

	boom := errors.New("boom")
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", attempt)
		assert.Equal(t, job.ID, claimed.ID)
		assert.Equal(t, attempt, claimed.Attempts)
		require.NoError(t, q.Fail(ctx, claimed, boom))

		if attempt < 3 {
			assert.Equal(t, StatusPending, claimed.Status)

			// Not runnable until the backoff has elapsed.
			early, err := q.Claim(ctx)
			require.NoError(t, err)
			assert.Nil(t, early)
			c.Advance(q.Backoff(attempt))
		}
	}

	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 3, final.Attempts)
	assert.Equal(t, "boom", final.ErrorMessage)
	assert.NotNil(t, final.CompletedAt)

	c.Advance(time.Hour)
	again, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "terminal jobs are never retried")
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.Equal(t, time.Second, q.Backoff(1))
	assert.Equal(t, 2*time.Second, q.Backoff(2))
	assert.Equal(t, 4*time.Second, q.Backoff(3))
	assert.Equal(t, 8*time.Second, q.Backoff(4))
	assert.Equal(t, 10*time.Second, q.Backoff(5))
	assert.Equal(t, 10*time.Second, q.Backoff(20))
}

func TestReapStale(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, Spec{JobType: JobFriendshipChanged, UserID: "a", AffectedUserIDs: []string{"b"}, MaxAttempts: 2})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		n, err := q.ReapStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "fresh claims are left alone")

		c.Advance(2 * time.Minute)
		n, err = q.ReapStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// The abandoned worker can no longer finish the job.
		assert.ErrorIs(t, q.Complete(ctx, claimed), ErrClaimLost)
		c.Advance(time.Minute)
	}

	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Contains(t, final.ErrorMessage, "visibility timeout")
}

func TestPurgeFinished(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Spec{JobType: JobCleanup})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Spec{JobType: JobCleanup})
	require.NoError(t, err)

	done, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, done))

	c.Advance(48 * time.Hour)
	n, err := q.PurgeFinished(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Pending: 1}, stats)
}
