package content

import (
	"context"
	"fmt"

	"github.com/ericvolp12/feedgen/pkg/feed"
)

// RuleOracle answers access checks from the content store's connection graph:
// owners always see their posts, blocked pairs never do, friends see friends-only posts,
// everyone sees public posts.
type RuleOracle struct {
	store Store
}

func NewRuleOracle(store Store) *RuleOracle {
	return &RuleOracle{store: store}
}

func (o *RuleOracle) CanAccess(ctx context.Context, ownerID, viewerID string, level feed.PrivacyLevel) (bool, error) {
	if ownerID == viewerID {
		return true, nil
	}

	conns, err := o.store.Connections(ctx, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to load connections: %w", err)
	}

	var status ConnectionStatus
	for _, c := range conns {
		if c.FriendID == viewerID {
			status = c.Status
			break
		}
	}
	if status == ConnectionBlocked {
		return false, nil
	}

	switch level {
	case feed.PrivacyPublic, "":
		return true, nil
	case feed.PrivacyFriends:
		return status == ConnectionAccepted, nil
	default:
		return false, nil
	}
}
