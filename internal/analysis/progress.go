package analysis

import (
	"context"
	"sort"
	"sync"

	"github.com/medrex/lab-analysis/pkg/interfaces"
	"github.com/medrex/lab-analysis/pkg/types"
)

// MemoryProgressStore keeps progress entries in process memory
type MemoryProgressStore struct {
	mu      sync.RWMutex
	entries map[string]types.Progress
}

var _ interfaces.ProgressStore = (*MemoryProgressStore)(nil)

// NewMemoryProgressStore creates an empty in-memory progress store
func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{entries: make(map[string]types.Progress)}
}

// Get returns the entry for an order service
func (s *MemoryProgressStore) Get(ctx context.Context, orderServiceID string) (*types.Progress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.entries[orderServiceID]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

// Put stores or replaces an entry
func (s *MemoryProgressStore) Put(ctx context.Context, progress *types.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[progress.OrderServiceID] = *progress
	return nil
}

// Delete removes an entry; deleting a missing entry is not an error
func (s *MemoryProgressStore) Delete(ctx context.Context, orderServiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, orderServiceID)
	return nil
}

// List returns every entry ordered by start time
func (s *MemoryProgressStore) List(ctx context.Context) ([]*types.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Progress, 0, len(s.entries))
	for _, p := range s.entries {
		cp := p
		out = append(out, &cp)
	}
	sortProgress(out)
	return out, nil
}

func sortProgress(entries []*types.Progress) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].StartedAt.Equal(entries[j].StartedAt) {
			return entries[i].StartedAt.Before(entries[j].StartedAt)
		}
		return entries[i].OrderServiceID < entries[j].OrderServiceID
	})
}
