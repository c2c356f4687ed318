package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/samber/lo"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("content")

var ErrRateLimited = errors.New("rate limited")

const authorsPerRequest = 100

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPStore reads connections and candidate posts from the content service's HTTP API.
type HTTPStore struct {
	logger  *slog.Logger
	host    string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPStore builds a content store client. rps <= 0 disables rate limiting.
func NewHTTPStore(logger *slog.Logger, host string, rps float64, timeout time.Duration) *HTTPStore {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &HTTPStore{
		logger:  logger.With("module", "content_store"),
		host:    strings.TrimRight(host, "/"),
		client:  newHTTPClient(timeout),
		limiter: rate.NewLimiter(limit, int(max(rps, 1))),
	}
}

type connectionsResponse struct {
	Connections []Connection `json:"connections"`
}

func (s *HTTPStore) Connections(ctx context.Context, userID string) ([]Connection, error) {
	ctx, span := tracer.Start(ctx, "Connections")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	var resp connectionsResponse
	if err := s.get(ctx, fmt.Sprintf("%s/users/%s/connections", s.host, url.PathEscape(userID)), &resp); err != nil {
		return nil, err
	}
	return resp.Connections, nil
}

type wirePost struct {
	ID           string `json:"id"`
	AuthorID     string `json:"authorId"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
	PrivacyLevel string `json:"privacyLevel"`
	Likes        int64  `json:"likes"`
	Comments     int64  `json:"comments"`
	Shares       int64  `json:"shares"`
	Views        int64  `json:"views"`
}

type postsResponse struct {
	Posts []wirePost `json:"posts"`
}

func (w wirePost) toSummary() (PostSummary, error) {
	created, err := dateparse.ParseAny(w.CreatedAt)
	if err != nil {
		return PostSummary{}, fmt.Errorf("failed to parse createdAt of post %s: %w", w.ID, err)
	}
	updated := created
	if w.UpdatedAt != "" {
		updated, err = dateparse.ParseAny(w.UpdatedAt)
		if err != nil {
			return PostSummary{}, fmt.Errorf("failed to parse updatedAt of post %s: %w", w.ID, err)
		}
	}
	return PostSummary{
		ID:           w.ID,
		AuthorID:     w.AuthorID,
		CreatedAt:    created.UTC(),
		UpdatedAt:    updated.UTC(),
		PrivacyLevel: feed.PrivacyLevel(w.PrivacyLevel),
		Likes:        w.Likes,
		Comments:     w.Comments,
		Shares:       w.Shares,
		Views:        w.Views,
	}, nil
}

func (s *HTTPStore) CandidatePosts(ctx context.Context, q CandidateQuery) ([]PostSummary, error) {
	ctx, span := tracer.Start(ctx, "CandidatePosts")
	defer span.End()
	span.SetAttributes(attribute.Int("authors", len(q.AuthorIDs)), attribute.Int("limit", q.Limit))

	batches := [][]string{nil}
	if len(q.AuthorIDs) > 0 {
		batches = lo.Chunk(lo.Uniq(q.AuthorIDs), authorsPerRequest)
	}

	out := []PostSummary{}
	for _, authors := range batches {
		params := url.Values{}
		if len(authors) > 0 {
			params.Set("authors", strings.Join(authors, ","))
		}
		if !q.Since.IsZero() {
			params.Set("since", q.Since.UTC().Format(time.RFC3339))
		}
		if q.Limit > 0 {
			params.Set("limit", strconv.Itoa(q.Limit))
		}
		if q.ByEngagement {
			params.Set("order", "engagement")
		}

		var resp postsResponse
		if err := s.get(ctx, fmt.Sprintf("%s/posts?%s", s.host, params.Encode()), &resp); err != nil {
			return nil, err
		}

		for _, w := range resp.Posts {
			p, err := w.toSummary()
			if err != nil {
				s.logger.Warn("skipping malformed post", "post_id", w.ID, "err", err)
				continue
			}
			out = append(out, p)
		}
	}

	out = lo.UniqBy(out, func(p PostSummary) string { return p.ID })
	if len(batches) > 1 {
		sort.Slice(out, func(i, j int) bool {
			if q.ByEngagement && out[i].Engagement() != out[j].Engagement() {
				return out[i].Engagement() > out[j].Engagement()
			}
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[:q.Limit]
		}
	}
	return out, nil
}

func (s *HTTPStore) get(ctx context.Context, u string, into any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "feedgen/0.1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			return ErrRateLimited
		}
		return fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode JSON: %w", err)
	}
	return nil
}

// HTTPOracle asks the privacy service for access decisions. Calls are rate limited and wrapped
// in a circuit breaker so a failing oracle fails fast instead of stalling every materialization.
type HTTPOracle struct {
	logger  *slog.Logger
	host    string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPOracle(logger *slog.Logger, host string, rps float64, timeout time.Duration, tripAfter uint32) *HTTPOracle {
	logger = logger.With("module", "privacy_oracle")

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if tripAfter == 0 {
		tripAfter = 5
	}

	st := gobreaker.Settings{Name: "privacy-oracle"}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= tripAfter }
	st.Timeout = 30 * time.Second
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}

	return &HTTPOracle{
		logger:  logger,
		host:    strings.TrimRight(host, "/"),
		client:  newHTTPClient(timeout),
		limiter: rate.NewLimiter(limit, int(max(rps, 1))),
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

type accessRequest struct {
	OwnerID      string `json:"ownerId"`
	ViewerID     string `json:"viewerId"`
	PrivacyLevel string `json:"privacyLevel"`
}

type accessResponse struct {
	Allowed bool `json:"allowed"`
}

func (o *HTTPOracle) CanAccess(ctx context.Context, ownerID, viewerID string, level feed.PrivacyLevel) (bool, error) {
	ctx, span := tracer.Start(ctx, "CanAccess")
	defer span.End()

	if err := o.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	res, err := o.breaker.Execute(func() (interface{}, error) {
		return o.check(ctx, accessRequest{OwnerID: ownerID, ViewerID: viewerID, PrivacyLevel: string(level)})
	})
	if err != nil {
		return false, err
	}
	allowed := res.(bool)
	span.SetAttributes(attribute.Bool("allowed", allowed))
	return allowed, nil
}

func (o *HTTPOracle) check(ctx context.Context, body accessRequest) (bool, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("failed to encode access request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/access/check", bytes.NewReader(raw))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "feedgen/0.1.0")

	resp, err := o.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			return false, ErrRateLimited
		}
		return false, fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	var out accessResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return out.Allowed, nil
}
