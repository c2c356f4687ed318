// Package changes turns content, relationship and privacy mutations into feed generation jobs.
package changes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/ericvolp12/feedgen/pkg/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("changes")

// Enqueuer is the queue operation the source needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec queue.Spec) (*queue.Job, error)
}

// Source is the typed entry point for change events. Every call enqueues exactly one job.
type Source struct {
	logger *slog.Logger
	queue  Enqueuer
}

func NewSource(logger *slog.Logger, q Enqueuer) *Source {
	return &Source{logger: logger.With("module", "changes"), queue: q}
}

func (s *Source) enqueue(ctx context.Context, kind EventType, spec queue.Spec) (*queue.Job, error) {
	ctx, span := tracer.Start(ctx, "Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_type", string(kind)),
		attribute.String("job_type", string(spec.JobType)),
		attribute.String("user_id", spec.UserID),
		attribute.String("post_id", spec.PostID),
	)

	job, err := s.queue.Enqueue(ctx, spec)
	if err != nil {
		eventsHandled.WithLabelValues(string(kind), "error").Inc()
		return nil, err
	}
	eventsHandled.WithLabelValues(string(kind), "ok").Inc()
	s.logger.Debug("change event enqueued", "event_type", kind, "job_id", job.ID, "job_type", job.JobType)
	return job, nil
}

func (s *Source) PostCreated(ctx context.Context, authorID, postID string) (*queue.Job, error) {
	return s.enqueue(ctx, EventPostCreated, queue.Spec{JobType: queue.JobPostCreated, UserID: authorID, PostID: postID})
}

// PostUpdated refreshes the denormalized metadata of every entry holding the post.
func (s *Source) PostUpdated(ctx context.Context, authorID, postID string) (*queue.Job, error) {
	return s.enqueue(ctx, EventPostUpdated, queue.Spec{JobType: queue.JobBulkUpdate, UserID: authorID, PostID: postID})
}

// PostDeleted hides the post from every feed that holds it.
func (s *Source) PostDeleted(ctx context.Context, authorID, postID string) (*queue.Job, error) {
	return s.enqueue(ctx, EventPostDeleted, queue.Spec{JobType: queue.JobBulkUpdate, UserID: authorID, PostID: postID})
}

func (s *Source) PrivacyChanged(ctx context.Context, userID string) (*queue.Job, error) {
	return s.enqueue(ctx, EventPrivacyChanged, queue.Spec{JobType: queue.JobPrivacyChanged, UserID: userID})
}

func (s *Source) FriendshipCreated(ctx context.Context, userID, friendID string) (*queue.Job, error) {
	return s.enqueue(ctx, EventFriendshipCreated, queue.Spec{JobType: queue.JobFriendshipChanged, UserID: userID, AffectedUserIDs: []string{friendID}})
}

func (s *Source) FriendshipRemoved(ctx context.Context, userID, friendID string) (*queue.Job, error) {
	return s.enqueue(ctx, EventFriendshipRemoved, queue.Spec{JobType: queue.JobFriendshipChanged, UserID: userID, AffectedUserIDs: []string{friendID}})
}

// Bulk enqueues a bulk_update for an explicit set of viewers.
func (s *Source) Bulk(ctx context.Context, viewerIDs []string, types []feed.Type, priority int) (*queue.Job, error) {
	return s.enqueue(ctx, EventBulk, queue.Spec{JobType: queue.JobBulkUpdate, AffectedUserIDs: viewerIDs, FeedTypes: types, Priority: priority})
}

type EventType string

const (
	EventPostCreated       EventType = "post_created"
	EventPostUpdated       EventType = "post_updated"
	EventPostDeleted       EventType = "post_deleted"
	EventPrivacyChanged    EventType = "privacy_changed"
	EventFriendshipCreated EventType = "friendship_created"
	EventFriendshipRemoved EventType = "friendship_removed"
	EventBulk              EventType = "bulk_update"
)

// Event is the wire form of a change event, as delivered over websocket, NATS or HTTP.
type Event struct {
	Seq         int64     `json:"seq,omitempty"`
	Type        EventType `json:"type"`
	UserID      string    `json:"userId,omitempty"`
	PostID      string    `json:"postId,omitempty"`
	OtherUserID string    `json:"otherUserId,omitempty"`
	ViewerIDs   []string  `json:"viewerIds,omitempty"`
	FeedTypes   []string  `json:"feedTypes,omitempty"`
	Priority    int       `json:"priority,omitempty"`
	// OccurredAt is free-form; producers send RFC 3339, unix seconds or similar.
	OccurredAt string `json:"occurredAt,omitempty"`
}

// Handle dispatches a wire event to the matching typed method.
func (s *Source) Handle(ctx context.Context, ev Event) (*queue.Job, error) {
	if ev.OccurredAt != "" {
		if at, err := dateparse.ParseAny(ev.OccurredAt); err == nil {
			eventLag.WithLabelValues(string(ev.Type)).Observe(time.Since(at).Seconds())
		} else {
			s.logger.Debug("unparseable event timestamp", "occurred_at", ev.OccurredAt, "err", err)
		}
	}

	switch ev.Type {
	case EventPostCreated:
		return s.PostCreated(ctx, ev.UserID, ev.PostID)
	case EventPostUpdated:
		return s.PostUpdated(ctx, ev.UserID, ev.PostID)
	case EventPostDeleted:
		return s.PostDeleted(ctx, ev.UserID, ev.PostID)
	case EventPrivacyChanged:
		return s.PrivacyChanged(ctx, ev.UserID)
	case EventFriendshipCreated:
		return s.FriendshipCreated(ctx, ev.UserID, ev.OtherUserID)
	case EventFriendshipRemoved:
		return s.FriendshipRemoved(ctx, ev.UserID, ev.OtherUserID)
	case EventBulk:
		types, err := feed.ParseTypes(ev.FeedTypes)
		if err != nil {
			return nil, err
		}
		return s.Bulk(ctx, ev.ViewerIDs, types, ev.Priority)
	default:
		eventsHandled.WithLabelValues("unknown", "error").Inc()
		return nil, &feed.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
}
