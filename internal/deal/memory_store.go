package deal

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory deal store for demo/development mode.
type MemoryStore struct {
	deals map[string]*Deal
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals: make(map[string]*Deal),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deals[d.ID]; ok {
		return ErrDealExists
	}
	m.deals[d.ID] = copyDeal(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	return copyDeal(d), nil
}

func (m *MemoryStore) UpdateIfStatus(ctx context.Context, id string, expected Status, patch Patch) (*Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	if d.Status != expected {
		return nil, ErrStatusConflict
	}

	if patch.Status != nil {
		d.Status = *patch.Status
	}
	if patch.StorageState != nil {
		d.DealStorage.State = *patch.StorageState
	}
	if patch.OrderID != nil {
		d.OrderID = *patch.OrderID
	}
	if patch.Message != nil {
		d.Message = *patch.Message
	}
	d.UpdatedAt = time.Now()

	return copyDeal(d), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.Status == status {
			result = append(result, copyDeal(d))
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByGroup(ctx context.Context, groupID string) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.GroupID == groupID {
			result = append(result, copyDeal(d))
		}
	}
	return result, nil
}

// copyDeal returns a deep copy so callers never share the stored
// pointer. Slice fields get fresh backing arrays.
func copyDeal(d *Deal) *Deal {
	cp := *d
	if d.UserAddresses != nil {
		cp.UserAddresses = make([]string, len(d.UserAddresses))
		copy(cp.UserAddresses, d.UserAddresses)
	}
	if d.Passengers != nil {
		cp.Passengers = make([]Passenger, len(d.Passengers))
		copy(cp.Passengers, d.Passengers)
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
