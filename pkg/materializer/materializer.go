package materializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericvolp12/feedgen/pkg/content"
	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/ericvolp12/feedgen/pkg/prefs"
	"github.com/ericvolp12/feedgen/pkg/ranking"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("materializer")

// PreferenceSource is the slice of the preference store the materializer needs.
type PreferenceSource interface {
	Get(ctx context.Context, userID string) (*prefs.UserFeedPreference, error)
}

type Config struct {
	// CandidateWindow bounds how far back Chronological and Friends candidates reach.
	CandidateWindow time.Duration
	MaxCandidates   int
	// TrendingWindow is the recent-engagement window for Trending candidates.
	TrendingWindow time.Duration
	TrendingLimit  int
	// TTL sets expires_at on entries of the listed feed types.
	TTL       map[feed.Type]time.Duration
	BatchSize int
	Now       func() time.Time
}

func DefaultConfig() Config {
	return Config{
		CandidateWindow: 30 * 24 * time.Hour,
		MaxCandidates:   500,
		TrendingWindow:  48 * time.Hour,
		TrendingLimit:   200,
		TTL:             map[feed.Type]time.Duration{feed.Trending: 24 * time.Hour},
		BatchSize:       100,
		Now:             time.Now,
	}
}

type Materializer struct {
	logger     *slog.Logger
	db         *gorm.DB
	content    content.Store
	oracle     content.PrivacyOracle
	prefs      PreferenceSource
	policy     ranking.Policy
	activation *feed.Activation
	cfg        Config

	stampLk   sync.Mutex
	lastStamp int64
}

func New(
	logger *slog.Logger,
	db *gorm.DB,
	store content.Store,
	oracle content.PrivacyOracle,
	prefSource PreferenceSource,
	policy ranking.Policy,
	activation *feed.Activation,
	cfg Config,
) *Materializer {
	def := DefaultConfig()
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CandidateWindow <= 0 {
		cfg.CandidateWindow = def.CandidateWindow
	}
	if cfg.TrendingWindow <= 0 {
		cfg.TrendingWindow = def.TrendingWindow
	}
	return &Materializer{
		logger:     logger.With("module", "materializer"),
		db:         db,
		content:    store,
		oracle:     oracle,
		prefs:      prefSource,
		policy:     policy,
		activation: activation,
		cfg:        cfg,
	}
}

// Request identifies the partition to rebuild. PostID and AffectedViewerIDs describe the change
// that triggered it and are carried for logging.
type Request struct {
	ViewerID          string
	FeedType          feed.Type
	PostID            string
	AffectedViewerIDs []string
}

type Result struct {
	ViewerID       string
	FeedType       feed.Type
	Visible        int
	Hidden         int64
	Denied         int
	PostErrors     int
	Disabled       bool
	Stale          bool
	MaterializedAt int64
}

type candidate struct {
	post         content.PostSummary
	relationship feed.Relationship
}

// Materialize recomputes the FeedEntry rows of one (viewer, feed type) partition.
func (m *Materializer) Materialize(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Materialize")
	defer span.End()
	span.SetAttributes(
		attribute.String("viewer_id", req.ViewerID),
		attribute.String("feed_type", string(req.FeedType)),
		attribute.String("post_id", req.PostID),
	)

	if req.ViewerID == "" {
		return nil, &feed.ValidationError{Field: "viewerId", Reason: "must not be empty"}
	}
	if !req.FeedType.Valid() {
		return nil, &feed.ValidationError{Field: "feedType", Reason: fmt.Sprintf("unknown feed type %q", req.FeedType)}
	}

	start := time.Now()
	defer func() {
		materializeDuration.WithLabelValues(string(req.FeedType)).Observe(time.Since(start).Seconds())
	}()

	logger := m.logger.With("viewer_id", req.ViewerID, "feed_type", req.FeedType)
	res := &Result{ViewerID: req.ViewerID, FeedType: req.FeedType}

	// Stamped before any read: a run never overwrites one that started reading after it.
	stamp := m.nextStamp()

	enabled, err := m.enabled(ctx, req.ViewerID, req.FeedType)
	if err != nil {
		materializations.WithLabelValues(string(req.FeedType), "error").Inc()
		return nil, err
	}

	var eligible []candidate
	if enabled {
		cands, err := m.candidates(ctx, req.ViewerID, req.FeedType)
		if err != nil {
			materializations.WithLabelValues(string(req.FeedType), "error").Inc()
			return nil, fmt.Errorf("failed to load candidates: %w", err)
		}
		candidatesSeen.WithLabelValues(string(req.FeedType)).Observe(float64(len(cands)))
		eligible = m.filter(ctx, logger, req, cands, res)
	} else {
		// Hide whatever an earlier materialization left behind.
		res.Disabled = true
	}

	if err := m.write(ctx, req, stamp, eligible, res); err != nil {
		materializations.WithLabelValues(string(req.FeedType), "error").Inc()
		return nil, err
	}

	outcome := "ok"
	switch {
	case res.Stale:
		outcome = "stale"
	case res.Disabled:
		outcome = "disabled"
	}
	materializations.WithLabelValues(string(req.FeedType), outcome).Inc()

	logger.Debug("materialized partition",
		"visible", res.Visible,
		"hidden", res.Hidden,
		"denied", res.Denied,
		"post_errors", res.PostErrors,
		"stale", res.Stale,
		"trigger_post_id", req.PostID,
	)
	return res, nil
}

func (m *Materializer) enabled(ctx context.Context, viewerID string, t feed.Type) (bool, error) {
	if !m.activation.Active(t) {
		return false, nil
	}
	if m.prefs == nil {
		return true, nil
	}
	p, err := m.prefs.Get(ctx, viewerID)
	if err != nil {
		return false, fmt.Errorf("failed to load preferences: %w", err)
	}
	return p.IsEnabled(t), nil
}

// candidates returns the candidate set of t, deduplicated, with the viewer's relationship to
// each author.
func (m *Materializer) candidates(ctx context.Context, viewerID string, t feed.Type) ([]candidate, error) {
	ctx, span := tracer.Start(ctx, "candidates")
	defer span.End()

	conns, err := m.content.Connections(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}
	friends := content.AcceptedFriends(conns)
	blocked := map[string]bool{}
	friendSet := map[string]bool{}
	for _, c := range conns {
		switch c.Status {
		case content.ConnectionBlocked:
			blocked[c.FriendID] = true
		case content.ConnectionAccepted:
			friendSet[c.FriendID] = true
		}
	}

	now := m.cfg.Now().UTC()
	var posts []content.PostSummary

	byAuthors := func(authors []string) ([]content.PostSummary, error) {
		if len(authors) == 0 {
			return nil, nil
		}
		return m.content.CandidatePosts(ctx, content.CandidateQuery{
			AuthorIDs: authors,
			Since:     now.Add(-m.cfg.CandidateWindow),
			Limit:     m.cfg.MaxCandidates,
		})
	}
	trending := func() ([]content.PostSummary, error) {
		return m.content.CandidatePosts(ctx, content.CandidateQuery{
			Since:        now.Add(-m.cfg.TrendingWindow),
			Limit:        m.cfg.TrendingLimit,
			ByEngagement: true,
		})
	}

	switch t {
	case feed.Chronological:
		posts, err = byAuthors(append(friends, viewerID))
	case feed.Friends:
		posts, err = byAuthors(friends)
	case feed.Trending:
		posts, err = trending()
	case feed.Algorithmic:
		var fromFriends, fromTrending []content.PostSummary
		fromFriends, err = byAuthors(friends)
		if err == nil {
			fromTrending, err = trending()
		}
		posts = append(fromFriends, fromTrending...)
	}
	if err != nil {
		return nil, err
	}

	posts = lo.UniqBy(posts, func(p content.PostSummary) string { return p.ID })

	out := make([]candidate, 0, len(posts))
	for _, p := range posts {
		if p.ID == "" {
			continue
		}
		rel := feed.RelationshipPublic
		switch {
		case p.AuthorID == viewerID:
			rel = feed.RelationshipSelf
		case blocked[p.AuthorID]:
			rel = feed.RelationshipBlocked
		case friendSet[p.AuthorID]:
			rel = feed.RelationshipFriend
		}
		out = append(out, candidate{post: p, relationship: rel})
	}
	return out, nil
}

// filter drops candidates the privacy oracle denies and posts whose id cannot be paged past. A
// failed check skips that post only.
func (m *Materializer) filter(ctx context.Context, logger *slog.Logger, req Request, cands []candidate, res *Result) []candidate {
	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if len(c.post.ID) > feed.MaxPostIDLength {
			logger.Warn("post id too long, skipping post", "post_id_prefix", c.post.ID[:32], "author_id", c.post.AuthorID)
			res.PostErrors++
			continue
		}
		ok, err := m.oracle.CanAccess(ctx, c.post.AuthorID, req.ViewerID, c.post.PrivacyLevel)
		if err != nil {
			logger.Warn("privacy check failed, skipping post", "post_id", c.post.ID, "author_id", c.post.AuthorID, "err", err)
			res.PostErrors++
			continue
		}
		if !ok {
			denied := &feed.AccessDeniedError{PostID: c.post.ID, ViewerID: req.ViewerID}
			logger.Debug("excluding post", "reason", denied.Error())
			res.Denied++
			privacyDenials.WithLabelValues(string(req.FeedType)).Inc()
			continue
		}
		out = append(out, c)
	}
	return out
}

// nextStamp returns a strictly increasing materialization timestamp.
func (m *Materializer) nextStamp() int64 {
	m.stampLk.Lock()
	defer m.stampLk.Unlock()
	s := m.cfg.Now().UnixNano()
	if s <= m.lastStamp {
		s = m.lastStamp + 1
	}
	m.lastStamp = s
	return s
}

var errStale = errors.New("stale materialization")

// write ranks eligible posts and replaces the partition's visible set in one transaction, unless
// the partition already holds a run stamped after this one.
func (m *Materializer) write(ctx context.Context, req Request, stamp int64, eligible []candidate, res *Result) error {
	ctx, span := tracer.Start(ctx, "write")
	defer span.End()

	byID := make(map[string]candidate, len(eligible))
	features := make([]ranking.Features, 0, len(eligible))
	for _, c := range eligible {
		byID[c.post.ID] = c
		features = append(features, ranking.Features{
			PostID:    c.post.ID,
			CreatedAt: c.post.CreatedAt,
			Likes:     c.post.Likes,
			Comments:  c.post.Comments,
			Shares:    c.post.Shares,
			Views:     c.post.Views,
		})
	}
	ordered := m.policy.Order(req.FeedType, features)

	now := m.cfg.Now().UTC()
	res.MaterializedAt = stamp

	var expiresAt *time.Time
	if ttl := m.cfg.TTL[req.FeedType]; ttl > 0 {
		e := now.Add(ttl)
		expiresAt = &e
	}

	rows := make([]feed.Entry, 0, len(ordered))
	for i, s := range ordered {
		c := byID[s.PostID]
		e := feed.Entry{
			ViewerID:         req.ViewerID,
			FeedType:         req.FeedType,
			PostID:           c.post.ID,
			PostAuthorID:     c.post.AuthorID,
			Score:            s.Score,
			PostCreatedAt:    c.post.CreatedAt.UTC(),
			PostUpdatedAt:    c.post.UpdatedAt.UTC(),
			PrivacyLevel:     c.post.PrivacyLevel,
			EngagementCount:  c.post.Engagement(),
			ViewCount:        c.post.Views,
			LikeCount:        c.post.Likes,
			CommentCount:     c.post.Comments,
			ShareCount:       c.post.Shares,
			UserRelationship: c.relationship,
			IsVisible:        true,
			ExpiresAt:        expiresAt,
			MaterializedAt:   stamp,
			UpdatedAt:        now,
		}
		e.SetRank(req.FeedType, i+1)
		rows = append(rows, e)
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Advance the partition watermark; an older run loses and writes nothing.
		wm := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "viewer_id"}, {Name: "feed_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"materialized_at", "entry_count", "updated_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "feed_partitions.materialized_at < excluded.materialized_at"},
			}},
		}).Create(&feed.Partition{
			ViewerID:       req.ViewerID,
			FeedType:       req.FeedType,
			MaterializedAt: stamp,
			EntryCount:     len(rows),
			UpdatedAt:      now,
		})
		if wm.Error != nil {
			return fmt.Errorf("failed to advance partition watermark: %w", wm.Error)
		}
		if wm.RowsAffected == 0 {
			return errStale
		}

		if len(rows) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "viewer_id"}, {Name: "feed_type"}, {Name: "post_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"post_author_id", "score", feed.RankColumn(req.FeedType),
					"post_created_at", "post_updated_at", "privacy_level",
					"engagement_count", "view_count", "like_count", "comment_count", "share_count",
					"user_relationship", "is_visible", "expires_at", "materialized_at", "updated_at",
				}),
			}).CreateInBatches(&rows, m.cfg.BatchSize).Error
			if err != nil {
				return fmt.Errorf("failed to upsert feed entries: %w", err)
			}
		}

		hidden := tx.Model(&feed.Entry{}).
			Where("viewer_id = ? AND feed_type = ? AND is_visible = ? AND materialized_at < ?", req.ViewerID, req.FeedType, true, stamp).
			Updates(map[string]any{"is_visible": false, "updated_at": now})
		if hidden.Error != nil {
			return fmt.Errorf("failed to hide ineligible entries: %w", hidden.Error)
		}
		res.Hidden = hidden.RowsAffected
		return nil
	})
	if errors.Is(err, errStale) {
		res.Stale = true
		return nil
	}
	if err != nil {
		return err
	}

	res.Visible = len(rows)
	return nil
}

// BatchResult collects the outcome of materializing many partitions.
type BatchResult struct {
	Results  []*Result
	Failures map[string]error
	Attempts int
}

// Failed reports whether every attempted partition failed.
func (b *BatchResult) Failed() bool {
	return b.Attempts > 0 && len(b.Failures) == b.Attempts
}

// Err summarizes the failures, or returns nil when there were none.
func (b *BatchResult) Err() error {
	if len(b.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(b.Failures))
	for k, err := range b.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", k, err))
	}
	return errors.Join(errs...)
}

// MaterializeViewers rebuilds every (viewer, feed type) pair. A failure for one viewer is logged
// and recorded; the rest of the batch still runs.
func (m *Materializer) MaterializeViewers(ctx context.Context, viewers []string, types []feed.Type, postID string) *BatchResult {
	ctx, span := tracer.Start(ctx, "MaterializeViewers")
	defer span.End()
	span.SetAttributes(attribute.Int("viewers", len(viewers)), attribute.Int("feed_types", len(types)))

	out := &BatchResult{Failures: map[string]error{}}
	for _, v := range lo.Uniq(viewers) {
		if v == "" {
			continue
		}
		for _, t := range types {
			if ctx.Err() != nil {
				out.Failures[v+"/"+string(t)] = ctx.Err()
				out.Attempts++
				continue
			}
			out.Attempts++
			res, err := m.Materialize(ctx, Request{ViewerID: v, FeedType: t, PostID: postID, AffectedViewerIDs: viewers})
			if err != nil {
				m.logger.Error("failed to materialize viewer", "viewer_id", v, "feed_type", t, "post_id", postID, "err", err)
				out.Failures[v+"/"+string(t)] = err
				continue
			}
			out.Results = append(out.Results, res)
		}
	}
	return out
}
