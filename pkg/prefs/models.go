package prefs

import (
	"time"

	"github.com/ericvolp12/feedgen/pkg/feed"
)

const (
	DefaultRefreshInterval = 30 * time.Second
	MinRefreshInterval     = 5 * time.Second
	MaxRefreshInterval     = time.Hour
)

// UserFeedPreference is a viewer's feed configuration. One row per user, never deleted.
type UserFeedPreference struct {
	UserID    string    `gorm:"primaryKey" json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	DefaultFeedType        feed.Type `json:"defaultFeedType"`
	ChronologicalEnabled   bool      `json:"chronologicalEnabled"`
	AlgorithmicEnabled     bool      `json:"algorithmicEnabled"`
	FriendsEnabled         bool      `json:"friendsEnabled"`
	TrendingEnabled        bool      `json:"trendingEnabled"`
	AutoRefresh            bool      `json:"autoRefresh"`
	RefreshIntervalSeconds int       `json:"refreshIntervalSeconds"`
}

// Defaults returns the system default configuration for a user.
func Defaults(userID string) *UserFeedPreference {
	return &UserFeedPreference{
		UserID:                 userID,
		DefaultFeedType:        feed.Chronological,
		ChronologicalEnabled:   true,
		AlgorithmicEnabled:     true,
		FriendsEnabled:         true,
		TrendingEnabled:        true,
		AutoRefresh:            true,
		RefreshIntervalSeconds: int(DefaultRefreshInterval / time.Second),
	}
}

func (p *UserFeedPreference) IsEnabled(t feed.Type) bool {
	switch t {
	case feed.Chronological:
		return p.ChronologicalEnabled
	case feed.Algorithmic:
		return p.AlgorithmicEnabled
	case feed.Friends:
		return p.FriendsEnabled
	case feed.Trending:
		return p.TrendingEnabled
	}
	return false
}

func (p *UserFeedPreference) setEnabled(t feed.Type, v bool) {
	switch t {
	case feed.Chronological:
		p.ChronologicalEnabled = v
	case feed.Algorithmic:
		p.AlgorithmicEnabled = v
	case feed.Friends:
		p.FriendsEnabled = v
	case feed.Trending:
		p.TrendingEnabled = v
	}
}

// EnabledTypes lists the enabled feed types in their canonical order.
func (p *UserFeedPreference) EnabledTypes() []feed.Type {
	out := make([]feed.Type, 0, len(feed.AllTypes))
	for _, t := range feed.AllTypes {
		if p.IsEnabled(t) {
			out = append(out, t)
		}
	}
	return out
}

func (p *UserFeedPreference) RefreshInterval() time.Duration {
	return time.Duration(p.RefreshIntervalSeconds) * time.Second
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	DefaultFeedType        *feed.Type         `json:"defaultFeedType,omitempty"`
	Enabled                map[feed.Type]bool `json:"enabled,omitempty"`
	AutoRefresh            *bool              `json:"autoRefresh,omitempty"`
	RefreshIntervalSeconds *int               `json:"refreshIntervalSeconds,omitempty"`
}
