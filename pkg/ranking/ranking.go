// Package ranking holds the scoring policy used to order Algorithmic and Trending feeds.
package ranking

import (
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/ericvolp12/feedgen/pkg/feed"
	"gopkg.in/yaml.v3"
)

// Features are the post attributes a score may depend on.
type Features struct {
	PostID    string
	CreatedAt time.Time
	Likes     int64
	Comments  int64
	Shares    int64
	Views     int64
}

// ScoreFunc maps post features to a score. Higher scores sort earlier. Implementations must be
// pure: the same features always produce the same score.
type ScoreFunc func(Features) float64

// Epoch anchors the recency term so scores do not depend on the wall clock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Weights parameterize the default hot-style score:
//
//	log2(1 + like*L + comment*C + share*S + view*V) + (createdAt - Epoch) / halfLife
//
// Each half-life of age costs one doubling of engagement.
type Weights struct {
	Like     float64       `yaml:"like"`
	Comment  float64       `yaml:"comment"`
	Share    float64       `yaml:"share"`
	View     float64       `yaml:"view"`
	HalfLife time.Duration `yaml:"half_life"`
}

func (w Weights) Validate() error {
	if w.HalfLife <= 0 {
		return fmt.Errorf("half_life must be positive")
	}
	if w.Like < 0 || w.Comment < 0 || w.Share < 0 || w.View < 0 {
		return fmt.Errorf("weights must not be negative")
	}
	return nil
}

// Score returns the ScoreFunc for these weights.
func (w Weights) Score() ScoreFunc {
	halfLife := w.HalfLife.Seconds()
	return func(f Features) float64 {
		engagement := w.Like*float64(f.Likes) +
			w.Comment*float64(f.Comments) +
			w.Share*float64(f.Shares) +
			w.View*float64(f.Views)
		if engagement < 0 {
			engagement = 0
		}
		age := f.CreatedAt.Sub(Epoch).Seconds()
		return math.Log2(1+engagement) + age/halfLife
	}
}

// Config is the on-disk ranking policy.
type Config struct {
	Algorithmic Weights `yaml:"algorithmic"`
	Trending    Weights `yaml:"trending"`
}

func DefaultConfig() Config {
	return Config{
		Algorithmic: Weights{Like: 1, Comment: 2, Share: 3, View: 0.05, HalfLife: 12 * time.Hour},
		Trending:    Weights{Like: 1, Comment: 1.5, Share: 4, View: 0.1, HalfLife: 4 * time.Hour},
	}
}

// LoadConfig reads a YAML policy file, starting from the defaults. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read ranking config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse ranking config: %w", err)
	}
	if err := cfg.Algorithmic.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid algorithmic weights: %w", err)
	}
	if err := cfg.Trending.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid trending weights: %w", err)
	}
	return cfg, nil
}

// Policy is the set of score functions for the ranked feed types.
type Policy map[feed.Type]ScoreFunc

func (c Config) Policy() Policy {
	return Policy{
		feed.Algorithmic: c.Algorithmic.Score(),
		feed.Trending:    c.Trending.Score(),
	}
}

// Scored is a candidate with its computed score.
type Scored struct {
	Features
	Score *float64
}

// Order sorts candidates into the feed order for t and returns them with scores attached for
// ranked types. Chronological and Friends order by recency; ties break on post id, descending.
func (p Policy) Order(t feed.Type, in []Features) []Scored {
	out := make([]Scored, len(in))
	score := p[t]
	for i, f := range in {
		out[i] = Scored{Features: f}
		if t.Ranked() && score != nil {
			s := score(f)
			out[i].Score = &s
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != nil && b.Score != nil && *a.Score != *b.Score {
			return *a.Score > *b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.PostID > b.PostID
	})
	return out
}
