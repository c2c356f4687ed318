// Package content holds the contracts of the collaborators the feed engine reads from: the content
// store (posts and connections) and the privacy oracle.
package content

import (
	"context"
	"time"

	"github.com/ericvolp12/feedgen/pkg/feed"
)

type ConnectionStatus string

const (
	ConnectionAccepted ConnectionStatus = "accepted"
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionBlocked  ConnectionStatus = "blocked"
)

type Connection struct {
	FriendID string           `json:"friendId" yaml:"friend_id"`
	Status   ConnectionStatus `json:"status" yaml:"status"`
}

// PostSummary is the slice of a post the feed engine needs for ranking and rendering.
type PostSummary struct {
	ID           string            `json:"id" yaml:"id"`
	AuthorID     string            `json:"authorId" yaml:"author_id"`
	CreatedAt    time.Time         `json:"createdAt" yaml:"created_at"`
	UpdatedAt    time.Time         `json:"updatedAt" yaml:"updated_at"`
	PrivacyLevel feed.PrivacyLevel `json:"privacyLevel" yaml:"privacy_level"`
	Likes        int64             `json:"likes" yaml:"likes"`
	Comments     int64             `json:"comments" yaml:"comments"`
	Shares       int64             `json:"shares" yaml:"shares"`
	Views        int64             `json:"views" yaml:"views"`
}

func (p PostSummary) Engagement() int64 {
	return p.Likes + p.Comments + p.Shares
}

// CandidateQuery selects posts for a feed. Empty AuthorIDs means every author.
type CandidateQuery struct {
	AuthorIDs []string
	Since     time.Time
	Limit     int
	// ByEngagement orders by engagement instead of recency before the limit applies.
	ByEngagement bool
}

// Store is the read-only view of the content store.
type Store interface {
	Connections(ctx context.Context, userID string) ([]Connection, error)
	CandidatePosts(ctx context.Context, q CandidateQuery) ([]PostSummary, error)
}

// PrivacyOracle decides whether a viewer may see a resource owned by ownerID.
type PrivacyOracle interface {
	CanAccess(ctx context.Context, ownerID, viewerID string, level feed.PrivacyLevel) (bool, error)
}

// AcceptedFriends filters connections down to accepted friend ids.
func AcceptedFriends(conns []Connection) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		if c.Status == ConnectionAccepted {
			out = append(out, c.FriendID)
		}
	}
	return out
}
