package ledger

import (
	"context"
	"sort"
	"sync"

	"traffic-prism/internal/models"
)

// MemoryStore keeps every version in process. The head of an id is the
// last element of its version slice.
type MemoryStore struct {
	mu       sync.Mutex
	versions map[int64][]models.Rule
	maxID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[int64][]models.Rule), maxID: -1}
}

func (m *MemoryStore) MaxID(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxID, nil
}

func (m *MemoryStore) Insert(_ context.Context, rule models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[rule.ID]; ok || rule.ID <= m.maxID {
		return ErrIDTaken
	}
	m.versions[rule.ID] = []models.Rule{rule}
	m.maxID = rule.ID
	return nil
}

func (m *MemoryStore) Head(_ context.Context, id int64) (models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.versions[id]
	if !ok {
		return models.Rule{}, ErrRuleNotFound
	}
	return vs[len(vs)-1], nil
}

func (m *MemoryStore) Replace(_ context.Context, next models.Rule, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.versions[next.ID]
	if !ok {
		return ErrRuleNotFound
	}
	if vs[len(vs)-1].Version != expectedVersion {
		return ErrConflict
	}
	m.versions[next.ID] = append(vs, next)
	return nil
}

// Delete removes the id but never lowers the allocation high-water mark.
func (m *MemoryStore) Delete(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[id]; !ok {
		return false, nil
	}
	delete(m.versions, id)
	return true, nil
}

func (m *MemoryStore) ListHeads(_ context.Context, hostname string) ([]models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Rule
	for _, vs := range m.versions {
		head := vs[len(vs)-1]
		if head.Hostname == hostname {
			out = append(out, head)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) History(_ context.Context, id int64) ([]models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.versions[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	out := make([]models.Rule, len(vs))
	for i := range vs {
		out[i] = vs[len(vs)-1-i]
	}
	return out, nil
}
