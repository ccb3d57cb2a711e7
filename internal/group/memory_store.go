package group

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory group store for demo/development mode.
type MemoryStore struct {
	groups map[string]*Group
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory group store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups: make(map[string]*Group),
	}
}

func (m *MemoryStore) Create(ctx context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[g.ID]; ok {
		return ErrGroupExists
	}
	m.groups[g.ID] = copyGroup(g)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return copyGroup(g), nil
}

func (m *MemoryStore) UpdateIfStatus(ctx context.Context, id string, expected Status, patch Patch) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	if g.Status != expected {
		return nil, ErrStatusConflict
	}

	if patch.Status != nil {
		g.Status = *patch.Status
	}
	if patch.Message != nil {
		g.Message = *patch.Message
	}
	g.UpdatedAt = time.Now()

	return copyGroup(g), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Group
	for _, g := range m.groups {
		if g.Status == status {
			result = append(result, copyGroup(g))
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// copyGroup returns a deep copy so callers never share the stored
// pointer.
func copyGroup(g *Group) *Group {
	cp := *g
	if g.DealIDs != nil {
		cp.DealIDs = make([]string, len(g.DealIDs))
		copy(cp.DealIDs, g.DealIDs)
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
