package content

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryStore is an in-process content store used for local runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	posts       map[string]PostSummary
	connections map[string]map[string]ConnectionStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts:       map[string]PostSummary{},
		connections: map[string]map[string]ConnectionStatus{},
	}
}

// Fixtures is the YAML layout accepted by LoadFixtures.
type Fixtures struct {
	Posts       []PostSummary `yaml:"posts"`
	Friendships []struct {
		A      string           `yaml:"a"`
		B      string           `yaml:"b"`
		Status ConnectionStatus `yaml:"status"`
	} `yaml:"friendships"`
}

// LoadFixtures builds a MemoryStore from a YAML fixture file.
func LoadFixtures(path string) (*MemoryStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	var fx Fixtures
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}

	m := NewMemoryStore()
	for _, p := range fx.Posts {
		m.PutPost(p)
	}
	for _, f := range fx.Friendships {
		status := f.Status
		if status == "" {
			status = ConnectionAccepted
		}
		m.Connect(f.A, f.B, status)
	}
	return m, nil
}

func (m *MemoryStore) PutPost(p PostSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	m.posts[p.ID] = p
}

func (m *MemoryStore) DeletePost(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.posts, id)
}

func (m *MemoryStore) Post(id string) (PostSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	return p, ok
}

// Connect records a symmetric connection between a and b.
func (m *MemoryStore) Connect(a, b string, status ConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if m.connections[pair[0]] == nil {
			m.connections[pair[0]] = map[string]ConnectionStatus{}
		}
		m.connections[pair[0]][pair[1]] = status
	}
}

func (m *MemoryStore) Disconnect(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections[a], b)
	delete(m.connections[b], a)
}

func (m *MemoryStore) Connections(_ context.Context, userID string) ([]Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connection, 0, len(m.connections[userID]))
	for id, status := range m.connections[userID] {
		out = append(out, Connection{FriendID: id, Status: status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FriendID < out[j].FriendID })
	return out, nil
}

func (m *MemoryStore) CandidatePosts(_ context.Context, q CandidateQuery) ([]PostSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	authors := map[string]bool{}
	for _, a := range q.AuthorIDs {
		authors[a] = true
	}

	out := []PostSummary{}
	for _, p := range m.posts {
		if len(authors) > 0 && !authors[p.AuthorID] {
			continue
		}
		if !q.Since.IsZero() && p.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if q.ByEngagement && out[i].Engagement() != out[j].Engagement() {
			return out[i].Engagement() > out[j].Engagement()
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
