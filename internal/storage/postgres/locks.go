package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

// LockManager stores one lock row per store in crawl_locks. Acquisition is a
// single upsert so two workers can never both see success.
type LockManager struct {
	db         DB
	staleAfter time.Duration
	clock      crawler.Clock
}

// NewLockManager builds a lock manager. Locks older than staleAfter may be
// taken over by another worker.
func NewLockManager(db DB, staleAfter time.Duration, clock crawler.Clock) (*LockManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &LockManager{db: db, staleAfter: staleAfter, clock: clock}, nil
}

// TryAcquire takes the store lock when it is free or stale. A running lock
// blocks its own owner too, so one process never crawls a store twice.
func (m *LockManager) TryAcquire(ctx context.Context, storeID, workerID string) (bool, error) {
	now := m.clock.Now()
	tag, err := m.db.Exec(ctx, `
		INSERT INTO crawl_locks (store_id, is_running, owner_id, started_at)
		VALUES ($1, TRUE, $2, $3)
		ON CONFLICT (store_id) DO UPDATE SET
			is_running = TRUE,
			owner_id = EXCLUDED.owner_id,
			started_at = EXCLUDED.started_at
		WHERE crawl_locks.is_running = FALSE
			OR crawl_locks.started_at < $4`,
		storeID, workerID, now, now.Add(-m.staleAfter))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", storeID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release clears the lock if workerID owns it.
func (m *LockManager) Release(ctx context.Context, storeID, workerID string) error {
	_, err := m.db.Exec(ctx, `
		UPDATE crawl_locks SET is_running = FALSE, owner_id = NULL, started_at = NULL
		WHERE store_id = $1 AND owner_id = $2`, storeID, workerID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", storeID, err)
	}
	return nil
}

// ReleaseAll clears every lock held by workerID.
func (m *LockManager) ReleaseAll(ctx context.Context, workerID string) (int, error) {
	tag, err := m.db.Exec(ctx, `
		UPDATE crawl_locks SET is_running = FALSE, owner_id = NULL, started_at = NULL
		WHERE owner_id = $1 AND is_running`, workerID)
	if err != nil {
		return 0, fmt.Errorf("release worker locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SweepStale force-clears running locks older than maxAge regardless of owner.
func (m *LockManager) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = m.staleAfter
	}
	tag, err := m.db.Exec(ctx, `
		UPDATE crawl_locks SET is_running = FALSE, owner_id = NULL, started_at = NULL
		WHERE is_running AND started_at < $1`, m.clock.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("sweep stale locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
