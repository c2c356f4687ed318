package feed

import (
	"fmt"
	"strings"
)

// Type is one of the independently ranked views of a viewer's content stream.
type Type string

const (
	Chronological Type = "chronological"
	Algorithmic   Type = "algorithmic"
	Friends       Type = "friends"
	Trending      Type = "trending"
)

// AllTypes lists every feed type in a stable order.
var AllTypes = []Type{Chronological, Algorithmic, Friends, Trending}

func (t Type) Valid() bool {
	switch t {
	case Chronological, Algorithmic, Friends, Trending:
		return true
	}
	return false
}

// Ranked reports whether entries of this type are ordered by score rather than recency.
func (t Type) Ranked() bool {
	return t == Algorithmic || t == Trending
}

func (t Type) String() string { return string(t) }

// ParseType parses a feed type name, case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &ValidationError{Field: "feedType", Reason: fmt.Sprintf("unknown feed type %q", s)}
	}
	return t, nil
}

// ParseTypes parses a list of feed type names, rejecting duplicates.
func ParseTypes(names []string) ([]Type, error) {
	out := make([]Type, 0, len(names))
	seen := map[Type]bool{}
	for _, n := range names {
		t, err := ParseType(n)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// Relationship is the viewer's relationship to a post author at materialization time.
type Relationship string

const (
	RelationshipSelf    Relationship = "self"
	RelationshipFriend  Relationship = "friend"
	RelationshipPublic  Relationship = "public"
	RelationshipBlocked Relationship = "blocked"
)

// MaxPostIDLength is the longest post id, in bytes, that can appear in a feed or a cursor.
const MaxPostIDLength = 256

// PrivacyLevel is the visibility a post author chose for a post.
type PrivacyLevel string

const (
	PrivacyPublic  PrivacyLevel = "public"
	PrivacyFriends PrivacyLevel = "friends"
	PrivacyPrivate PrivacyLevel = "private"
)

// Activation is the operator-controlled set of feed types that are switched on for this deployment.
type Activation struct {
	disabled map[Type]bool
}

// NewActivation returns an Activation with the given types switched off.
func NewActivation(disabled []Type) *Activation {
	a := &Activation{disabled: map[Type]bool{}}
	for _, t := range disabled {
		a.disabled[t] = true
	}
	return a
}

// Active reports whether t is switched on. A nil Activation treats every valid type as active.
func (a *Activation) Active(t Type) bool {
	if !t.Valid() {
		return false
	}
	if a == nil {
		return true
	}
	return !a.disabled[t]
}
