package reward

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory reward store for demo/development mode.
type MemoryStore struct {
	rewards map[string]*Reward
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory reward store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rewards: make(map[string]*Reward),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rewards[r.DealID]; ok {
		return ErrRewardExists
	}
	cp := *r
	m.rewards[r.DealID] = &cp
	return nil
}

func (m *MemoryStore) GetByDeal(ctx context.Context, dealID string) (*Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rewards[dealID]
	if !ok {
		return nil, ErrRewardNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateIfStatus(ctx context.Context, dealID string, expected Status, patch Patch) (*Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rewards[dealID]
	if !ok {
		return nil, ErrRewardNotFound
	}
	if r.Status != expected {
		return nil, ErrStatusConflict
	}

	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.TxHash != nil {
		r.TxHash = *patch.TxHash
	}
	if patch.Attempts != nil {
		r.Attempts = *patch.Attempts
	}
	if patch.Message != nil {
		r.Message = *patch.Message
	}
	r.UpdatedAt = time.Now()

	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Reward
	for _, r := range m.rewards {
		if r.Status == status {
			cp := *r
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
