package sentinel

import (
	"context"
	"sync"
	"time"

	"github.com/propdesk/eval-engine/internal/model"
)

// MemoryFreezeStore implements FreezeStore with an in-process map. Used for
// testing and single-instance development. Expiry is checked on read.
type MemoryFreezeStore struct {
	mu      sync.RWMutex
	freezes map[string]model.Freeze
	now     func() time.Time
}

// NewMemoryFreezeStore creates an in-memory freeze store.
func NewMemoryFreezeStore() *MemoryFreezeStore {
	return &MemoryFreezeStore{
		freezes: make(map[string]model.Freeze),
		now:     time.Now,
	}
}

// SetClock overrides the expiry clock. Test hook.
func (s *MemoryFreezeStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryFreezeStore) Freeze(_ context.Context, f model.Freeze) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freezes[f.MarketID] = f
	return nil
}

func (s *MemoryFreezeStore) Get(_ context.Context, marketID string) (*model.Freeze, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.freezes[marketID]
	if !ok {
		return nil, nil
	}
	if !s.now().Before(f.ExpiresAt) {
		delete(s.freezes, marketID)
		return nil, nil
	}
	cp := f
	return &cp, nil
}

func (s *MemoryFreezeStore) Clear(_ context.Context, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.freezes, marketID)
	return nil
}
