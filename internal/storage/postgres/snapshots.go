package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

var snapshotColumns = []string{
	"store_id", "external_item_id", "title", "price", "currency", "condition", "image_url", "url",
}

// SnapshotStore keeps each store's baseline in store_snapshots. Put replaces
// the whole set in one transaction.
type SnapshotStore struct {
	db    DB
	clock crawler.Clock
}

// NewSnapshotStore wraps db.
func NewSnapshotStore(db DB, clock crawler.Clock) (*SnapshotStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &SnapshotStore{db: db, clock: clock}, nil
}

// Get returns the stored baseline; found is false before the first Put.
func (s *SnapshotStore) Get(ctx context.Context, storeID string) (map[string]crawler.Listing, bool, error) {
	var takenAt time.Time
	err := s.db.QueryRow(ctx, `SELECT taken_at FROM store_snapshot_heads WHERE store_id = $1`, storeID).Scan(&takenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot head: %w", err)
	}
	rows, err := s.db.Query(ctx, `
		SELECT external_item_id, title, price, currency, condition, image_url, url
		FROM store_snapshots WHERE store_id = $1`, storeID)
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot: %w", err)
	}
	defer rows.Close()
	out := make(map[string]crawler.Listing)
	for rows.Next() {
		l := crawler.Listing{StoreID: storeID}
		if err := rows.Scan(&l.ExternalID, &l.Title, &l.Price, &l.Currency, &l.Condition, &l.ImageURL, &l.URL); err != nil {
			return nil, false, fmt.Errorf("scan snapshot row: %w", err)
		}
		out[l.ExternalID] = l
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate snapshot: %w", err)
	}
	return out, true, nil
}

// Put atomically replaces the baseline for storeID.
func (s *SnapshotStore) Put(ctx context.Context, storeID string, listings map[string]crawler.Listing) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if _, err = tx.Exec(ctx, `DELETE FROM store_snapshots WHERE store_id = $1`, storeID); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	rows := make([][]any, 0, len(listings))
	for id, l := range listings {
		rows = append(rows, []any{storeID, id, l.Title, l.Price, l.Currency, l.Condition, l.ImageURL, l.URL})
	}
	if len(rows) > 0 {
		if _, err = tx.CopyFrom(ctx, pgx.Identifier{"store_snapshots"}, snapshotColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy snapshot: %w", err)
		}
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO store_snapshot_heads (store_id, taken_at, item_count) VALUES ($1, $2, $3)
		ON CONFLICT (store_id) DO UPDATE SET taken_at = EXCLUDED.taken_at, item_count = EXCLUDED.item_count`,
		storeID, s.clock.Now(), len(rows)); err != nil {
		return fmt.Errorf("write snapshot head: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// WindowSnapshotStore derives the baseline from the listings table: ACTIVE
// listings seen within the window. Put is a no-op because the diff engine
// already persisted the observations.
type WindowSnapshotStore struct {
	db     DB
	clock  crawler.Clock
	window time.Duration
}

// NewWindowSnapshotStore wraps db with a recent-window baseline read.
func NewWindowSnapshotStore(db DB, clock crawler.Clock, window time.Duration) (*WindowSnapshotStore, error) {
	if db == nil || clock == nil {
		return nil, fmt.Errorf("db and clock are required")
	}
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &WindowSnapshotStore{db: db, clock: clock, window: window}, nil
}

// Get returns ACTIVE listings of storeID seen within the window. found is
// false when the store has no listings at all.
func (s *WindowSnapshotStore) Get(ctx context.Context, storeID string) (map[string]crawler.Listing, bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT external_item_id, title, price, currency, condition, image_url, url
		FROM listings
		WHERE store_id = $1 AND status = $2 AND last_seen_at >= $3`,
		storeID, string(crawler.StatusActive), s.clock.Now().Add(-s.window))
	if err != nil {
		return nil, false, fmt.Errorf("read listing window: %w", err)
	}
	defer rows.Close()
	out := make(map[string]crawler.Listing)
	for rows.Next() {
		l := crawler.Listing{StoreID: storeID}
		if err := rows.Scan(&l.ExternalID, &l.Title, &l.Price, &l.Currency, &l.Condition, &l.ImageURL, &l.URL); err != nil {
			return nil, false, fmt.Errorf("scan listing window: %w", err)
		}
		out[l.ExternalID] = l
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate listing window: %w", err)
	}
	if len(out) > 0 {
		return out, true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE store_id = $1)`, storeID).Scan(&exists); err != nil {
		return nil, false, fmt.Errorf("probe listings: %w", err)
	}
	return out, exists, nil
}

// Put is a no-op.
func (s *WindowSnapshotStore) Put(context.Context, string, map[string]crawler.Listing) error {
	return nil
}
