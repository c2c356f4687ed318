// Package cursor encodes and decodes the opaque pagination tokens handed to feed clients.
//
// A token is base64url(version || cbor(payload) || tag) where tag is a truncated HMAC-SHA256 over
// version and payload. Only the post id, which the client already sees, is carried in the clear.
package cursor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/fxamacker/cbor/v2"
)

const (
	version1 byte = 1
	tagSize       = 16
	// MaxTokenLength bounds the work done on client-supplied input. Any valid position,
	// including one with a feed.MaxPostIDLength post id, encodes well under it.
	MaxTokenLength = 512
)

// Position is the resume point carried by a cursor.
type Position struct {
	FeedType  feed.Type
	PostID    string
	Rank      int
	Score     *float64
	Timestamp *time.Time
}

type payload struct {
	FeedType  string   `cbor:"1,keyasint"`
	PostID    string   `cbor:"2,keyasint"`
	Rank      int64    `cbor:"3,keyasint"`
	Score     *float64 `cbor:"4,keyasint,omitempty"`
	Timestamp *int64   `cbor:"5,keyasint,omitempty"`
}

type Codec struct {
	key []byte
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCodec returns a codec signing tokens with key. An empty key is rejected.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("cursor key must not be empty")
	}

	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
	}

	dec, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   8,
		MaxMapPairs:       16,
		MaxArrayElements:  16,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor decoder: %w", err)
	}

	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k, enc: enc, dec: dec}, nil
}

// RandomKey returns a fresh 32 byte signing key.
func RandomKey() ([]byte, error) {
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("failed to generate cursor key: %w", err)
	}
	return k, nil
}

// Encode produces an opaque token for p.
func (c *Codec) Encode(p Position) (string, error) {
	if err := validate(p); err != nil {
		return "", err
	}

	pl := payload{
		FeedType: string(p.FeedType),
		PostID:   p.PostID,
		Rank:     int64(p.Rank),
		Score:    p.Score,
	}
	if p.Timestamp != nil {
		ts := p.Timestamp.UnixNano()
		pl.Timestamp = &ts
	}

	body, err := c.enc.Marshal(pl)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}

	buf := make([]byte, 0, 1+len(body)+tagSize)
	buf = append(buf, version1)
	buf = append(buf, body...)
	buf = append(buf, c.sign(buf)...)

	token := base64.RawURLEncoding.EncodeToString(buf)
	if len(token) > MaxTokenLength {
		return "", &feed.ValidationError{Field: "position", Reason: fmt.Sprintf("encodes to %d bytes, over the %d byte limit", len(token), MaxTokenLength)}
	}
	return token, nil
}

// Decode parses a token. Every failure is a *feed.InvalidCursorError.
func (c *Codec) Decode(token string) (Position, error) {
	if token == "" {
		return Position{}, &feed.InvalidCursorError{Reason: "empty token"}
	}
	if len(token) > MaxTokenLength {
		return Position{}, &feed.InvalidCursorError{Reason: "token too long"}
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Position{}, &feed.InvalidCursorError{Reason: "bad encoding", Err: err}
	}
	if len(raw) < 1+tagSize+1 {
		return Position{}, &feed.InvalidCursorError{Reason: "token truncated"}
	}
	if raw[0] != version1 {
		return Position{}, &feed.InvalidCursorError{Reason: fmt.Sprintf("unsupported version %d", raw[0])}
	}

	signed, tag := raw[:len(raw)-tagSize], raw[len(raw)-tagSize:]
	if !hmac.Equal(tag, c.sign(signed)) {
		return Position{}, &feed.InvalidCursorError{Reason: "signature mismatch"}
	}

	var pl payload
	if err := c.dec.Unmarshal(signed[1:], &pl); err != nil {
		return Position{}, &feed.InvalidCursorError{Reason: "bad payload", Err: err}
	}

	p := Position{
		FeedType: feed.Type(pl.FeedType),
		PostID:   pl.PostID,
		Rank:     int(pl.Rank),
		Score:    pl.Score,
	}
	if pl.Timestamp != nil {
		ts := time.Unix(0, *pl.Timestamp).UTC()
		p.Timestamp = &ts
	}
	if pl.Rank != int64(p.Rank) {
		return Position{}, &feed.InvalidCursorError{Reason: "rank out of range"}
	}

	if err := validate(p); err != nil {
		return Position{}, &feed.InvalidCursorError{Reason: "invalid position", Err: err}
	}
	return p, nil
}

func (c *Codec) sign(b []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(b)
	return mac.Sum(nil)[:tagSize]
}

func validate(p Position) error {
	if !p.FeedType.Valid() {
		return &feed.ValidationError{Field: "feedType", Reason: fmt.Sprintf("unknown feed type %q", p.FeedType)}
	}
	if p.PostID == "" {
		return &feed.ValidationError{Field: "postId", Reason: "must not be empty"}
	}
	if len(p.PostID) > feed.MaxPostIDLength {
		return &feed.ValidationError{Field: "postId", Reason: fmt.Sprintf("longer than %d bytes", feed.MaxPostIDLength)}
	}
	if p.Rank < 1 {
		return &feed.ValidationError{Field: "rank", Reason: "must be at least 1"}
	}
	return nil
}
