package verification

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory verification store for development and
// testing. Expired records are dropped lazily on read and during Sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	pending map[string]*Pending
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory verification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string]*Pending)}
}

// Save persists the pending record.
func (s *MemoryStore) Save(ctx context.Context, p *Pending) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if p == nil || p.ID == "" {
		return fmt.Errorf("pending id is required")
	}

	cp := *p
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.ID] = &cp
	return nil
}

// Get returns the pending record or (nil, nil) when absent.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pending[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// Delete removes the pending record.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

// Sweep removes records past their expiry and returns how many were
// dropped.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of outstanding verifications.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}
