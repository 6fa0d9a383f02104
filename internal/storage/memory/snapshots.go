package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

// SnapshotStore keeps baselines in memory. Suitable for a single worker only.
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]map[string]crawler.Listing
}

// NewSnapshotStore constructs an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snaps: make(map[string]map[string]crawler.Listing)}
}

// Get returns a copy of the baseline for storeID.
func (s *SnapshotStore) Get(_ context.Context, storeID string) (map[string]crawler.Listing, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[storeID]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(snap), true, nil
}

// Put replaces the baseline for storeID.
func (s *SnapshotStore) Put(_ context.Context, storeID string, listings map[string]crawler.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := maps.Clone(listings)
	if snap == nil {
		snap = map[string]crawler.Listing{}
	}
	s.snaps[storeID] = snap
	return nil
}
