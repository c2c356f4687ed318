package prefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericvolp12/feedgen/pkg/feed"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("prefs")

// Cache is an optional read-through cache in front of the preference table.
type Cache interface {
	Get(ctx context.Context, userID string) (*UserFeedPreference, bool, error)
	Set(ctx context.Context, p *UserFeedPreference) error
}

type Store struct {
	logger *slog.Logger
	db     *gorm.DB
	cache  Cache
}

// NewStore builds a preference store. cache may be nil.
func NewStore(logger *slog.Logger, db *gorm.DB, cache Cache) *Store {
	return &Store{
		logger: logger.With("module", "prefs"),
		db:     db,
		cache:  cache,
	}
}

// Get returns the viewer's preferences, creating the default row on first use.
func (s *Store) Get(ctx context.Context, userID string) (*UserFeedPreference, error) {
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	if userID == "" {
		return nil, &feed.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	if s.cache != nil {
		p, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("failed to read preference cache", "user_id", userID, "err", err)
		} else if ok {
			return p, nil
		}
	}

	p, err := s.load(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	s.fill(ctx, p)
	return p, nil
}

func (s *Store) load(ctx context.Context, db *gorm.DB, userID string) (*UserFeedPreference, error) {
	var p UserFeedPreference
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	def := Defaults(userID)
	// Two concurrent first requests race to create the row; the loser keeps the winner's row.
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(def).Error; err != nil {
		return nil, fmt.Errorf("failed to create default preferences: %w", err)
	}
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error; err != nil {
		return nil, fmt.Errorf("failed to reload preferences: %w", err)
	}
	return &p, nil
}

// Update applies patch to the viewer's preferences after validating the resulting configuration.
func (s *Store) Update(ctx context.Context, userID string, patch Patch) (*UserFeedPreference, error) {
	ctx, span := tracer.Start(ctx, "Update")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	if userID == "" {
		return nil, &feed.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	var out *UserFeedPreference
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(ctx, tx, userID)
		if err != nil {
			return err
		}
		next, err := Apply(current, patch)
		if err != nil {
			return err
		}
		next.UpdatedAt = time.Now().UTC()
		if err := tx.Save(next).Error; err != nil {
			return fmt.Errorf("failed to save preferences: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.fill(ctx, out)
	return out, nil
}

// Reset restores the system defaults for the viewer.
func (s *Store) Reset(ctx context.Context, userID string) (*UserFeedPreference, error) {
	ctx, span := tracer.Start(ctx, "Reset")
	defer span.End()

	if userID == "" {
		return nil, &feed.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	def := Defaults(userID)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"default_feed_type", "chronological_enabled", "algorithmic_enabled", "friends_enabled",
			"trending_enabled", "auto_refresh", "refresh_interval_seconds", "updated_at",
		}),
	}).Create(def).Error
	if err != nil {
		return nil, fmt.Errorf("failed to reset preferences: %w", err)
	}

	p, err := s.load(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, p)
	return p, nil
}

func (s *Store) fill(ctx context.Context, p *UserFeedPreference) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, p); err != nil {
		s.logger.Warn("failed to write preference cache", "user_id", p.UserID, "err", err)
	}
}

// Apply merges patch into a copy of current and validates the result.
func Apply(current *UserFeedPreference, patch Patch) (*UserFeedPreference, error) {
	next := *current

	for t, on := range patch.Enabled {
		if !t.Valid() {
			return nil, &feed.ValidationError{Field: "enabled", Reason: fmt.Sprintf("unknown feed type %q", t)}
		}
		next.setEnabled(t, on)
	}

	if patch.DefaultFeedType != nil {
		if !patch.DefaultFeedType.Valid() {
			return nil, &feed.ValidationError{Field: "defaultFeedType", Reason: fmt.Sprintf("unknown feed type %q", *patch.DefaultFeedType)}
		}
		next.DefaultFeedType = *patch.DefaultFeedType
	}

	if patch.AutoRefresh != nil {
		next.AutoRefresh = *patch.AutoRefresh
	}

	if patch.RefreshIntervalSeconds != nil {
		n := *patch.RefreshIntervalSeconds
		if n < int(MinRefreshInterval/time.Second) || n > int(MaxRefreshInterval/time.Second) {
			return nil, &feed.ValidationError{
				Field:  "refreshIntervalSeconds",
				Reason: fmt.Sprintf("must be between %d and %d", int(MinRefreshInterval/time.Second), int(MaxRefreshInterval/time.Second)),
			}
		}
		next.RefreshIntervalSeconds = *patch.RefreshIntervalSeconds
	}

	if len(next.EnabledTypes()) == 0 {
		return nil, &feed.ValidationError{Field: "enabled", Reason: "at least one feed type must stay enabled"}
	}

	if !next.IsEnabled(next.DefaultFeedType) {
		if patch.DefaultFeedType == nil {
			return nil, &feed.ValidationError{
				Field:  "defaultFeedType",
				Reason: fmt.Sprintf("cannot disable the default feed type %q without choosing a new default", next.DefaultFeedType),
			}
		}
		return nil, &feed.ValidationError{
			Field:  "defaultFeedType",
			Reason: fmt.Sprintf("default feed type %q is not enabled", next.DefaultFeedType),
		}
	}

	return &next, nil
}
