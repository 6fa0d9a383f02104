package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

type lockState struct {
	owner     string
	startedAt time.Time
}

// LockManager is a process-local crawler.LockManager.
type LockManager struct {
	mu         sync.Mutex
	locks      map[string]lockState
	staleAfter time.Duration
	clock      crawler.Clock
}

// NewLockManager builds a lock manager; locks older than staleAfter can be
// taken over.
func NewLockManager(staleAfter time.Duration, clock crawler.Clock) *LockManager {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &LockManager{
		locks:      make(map[string]lockState),
		staleAfter: staleAfter,
		clock:      clock,
	}
}

// TryAcquire takes the lock when free or stale. A fresh lock blocks every
// caller, its own owner included.
func (m *LockManager) TryAcquire(_ context.Context, storeID, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if held, ok := m.locks[storeID]; ok && now.Sub(held.startedAt) <= m.staleAfter {
		return false, nil
	}
	m.locks[storeID] = lockState{owner: workerID, startedAt: now}
	return true, nil
}

// Release clears the lock if workerID owns it.
func (m *LockManager) Release(_ context.Context, storeID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[storeID]; ok && held.owner == workerID {
		delete(m.locks, storeID)
	}
	return nil
}

// ReleaseAll clears every lock held by workerID.
func (m *LockManager) ReleaseAll(_ context.Context, workerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, held := range m.locks {
		if held.owner == workerID {
			delete(m.locks, id)
			n++
		}
	}
	return n, nil
}

// SweepStale force-clears locks older than maxAge.
func (m *LockManager) SweepStale(_ context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxAge <= 0 {
		maxAge = m.staleAfter
	}
	now := m.clock.Now()
	n := 0
	for id, held := range m.locks {
		if now.Sub(held.startedAt) > maxAge {
			delete(m.locks, id)
			n++
		}
	}
	return n, nil
}

// Holder reports the current owner of a store lock.
func (m *LockManager) Holder(storeID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.locks[storeID]
	return held.owner, ok
}
