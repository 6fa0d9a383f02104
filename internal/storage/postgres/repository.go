package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

const listingColumns = `external_item_id, store_id, title, price, currency, condition, image_url, url,
	status, verification_status, first_seen_at, last_seen_at, sold_at, last_verified_at,
	COALESCE(verification_error, ''), last_available_qty, last_remaining_qty, last_sold_qty`

// Repository implements the store, listing and crawl log repositories.
type Repository struct {
	db DB
}

// NewRepository wraps db.
func NewRepository(db DB) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Repository{db: db}, nil
}

// GetStore loads one store by id.
func (r *Repository) GetStore(ctx context.Context, storeID string) (crawler.Store, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, store_name, is_active, crawl_interval_seconds, last_crawled_at
		FROM stores WHERE id = $1`, storeID)
	store, err := scanStore(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Store{}, fmt.Errorf("store %s: %w", storeID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Store{}, fmt.Errorf("get store: %w", err)
	}
	return store, nil
}

// ListActiveStores returns active stores, least recently crawled first.
func (r *Repository) ListActiveStores(ctx context.Context) ([]crawler.Store, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, store_name, is_active, crawl_interval_seconds, last_crawled_at
		FROM stores WHERE is_active
		ORDER BY last_crawled_at NULLS FIRST, id`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()
	var out []crawler.Store
	for rows.Next() {
		store, err := scanStore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		out = append(out, store)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stores: %w", err)
	}
	return out, nil
}

// MarkCrawled stamps lastCrawledAt.
func (r *Repository) MarkCrawled(ctx context.Context, storeID string, at time.Time) error {
	if _, err := r.db.Exec(ctx, `UPDATE stores SET last_crawled_at = $2 WHERE id = $1`, storeID, at); err != nil {
		return fmt.Errorf("mark store crawled: %w", err)
	}
	return nil
}

// UpsertNew inserts a newly observed listing, reviving a removed row.
func (r *Repository) UpsertNew(ctx context.Context, l crawler.Listing) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO listings (
			external_item_id, store_id, title, price, currency, condition, image_url, url,
			status, verification_status, first_seen_at, last_seen_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
		ON CONFLICT (external_item_id) DO UPDATE SET
			store_id = EXCLUDED.store_id,
			title = EXCLUDED.title,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			condition = EXCLUDED.condition,
			image_url = EXCLUDED.image_url,
			url = EXCLUDED.url,
			status = EXCLUDED.status,
			verification_status = EXCLUDED.verification_status,
			last_seen_at = EXCLUDED.last_seen_at,
			sold_at = NULL,
			verification_error = NULL`,
		l.ExternalID, l.StoreID, l.Title, l.Price, l.Currency, l.Condition, l.ImageURL, l.URL,
		string(crawler.StatusActive), string(crawler.VerificationVerified), l.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert listing %s: %w", l.ExternalID, err)
	}
	return nil
}

// UpdateObserved refreshes page fields when changed, and lastSeenAt always.
func (r *Repository) UpdateObserved(ctx context.Context, l crawler.Listing, changed bool) error {
	var err error
	if changed {
		_, err = r.db.Exec(ctx, `
			UPDATE listings SET title = $2, price = $3, currency = $4, condition = $5,
				image_url = $6, last_seen_at = $7
			WHERE external_item_id = $1`,
			l.ExternalID, l.Title, l.Price, l.Currency, l.Condition, l.ImageURL, l.LastSeenAt)
	} else {
		_, err = r.db.Exec(ctx, `UPDATE listings SET last_seen_at = $2 WHERE external_item_id = $1`,
			l.ExternalID, l.LastSeenAt)
	}
	if err != nil {
		return fmt.Errorf("update listing %s: %w", l.ExternalID, err)
	}
	return nil
}

// MarkRemoved flags a vanished listing for verification. Sold rows are final.
func (r *Repository) MarkRemoved(ctx context.Context, externalID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE listings SET status = $2, verification_status = $3, last_seen_at = $4,
			verification_error = NULL
		WHERE external_item_id = $1 AND status <> $5`,
		externalID, string(crawler.StatusRemoved), string(crawler.VerificationPending), at,
		string(crawler.StatusSold))
	if err != nil {
		return fmt.Errorf("mark listing %s removed: %w", externalID, err)
	}
	return nil
}

// ListPending returns PENDING listings removed at or after since.
func (r *Repository) ListPending(ctx context.Context, since time.Time, limit int) ([]crawler.Listing, error) {
	return r.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE verification_status = $1 AND last_seen_at >= $2
		ORDER BY last_seen_at, external_item_id
		LIMIT $3`, string(crawler.VerificationPending), since, limit)
}

// ListErrored returns ERROR listings last verified before the cutoff.
func (r *Repository) ListErrored(ctx context.Context, verifiedBefore time.Time, limit int) ([]crawler.Listing, error) {
	return r.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE verification_status = $1 AND (last_verified_at IS NULL OR last_verified_at < $2)
		ORDER BY last_verified_at NULLS FIRST, external_item_id
		LIMIT $3`, string(crawler.VerificationError), verifiedBefore, limit)
}

// ApplyVerification persists a verification outcome.
func (r *Repository) ApplyVerification(ctx context.Context, externalID string, u crawler.VerificationUpdate) error {
	var errText *string
	if u.Error != "" {
		errText = &u.Error
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE listings SET status = $2, verification_status = $3, last_verified_at = $4,
			sold_at = COALESCE($5, sold_at), verification_error = $6,
			last_available_qty = $7, last_remaining_qty = $8, last_sold_qty = $9
		WHERE external_item_id = $1`,
		externalID, string(u.Status), string(u.VerificationStatus), u.VerifiedAt,
		u.SoldAt, errText, u.Quantities.Available, u.Quantities.Remaining, u.Quantities.Sold)
	if err != nil {
		return fmt.Errorf("apply verification %s: %w", externalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", externalID, crawler.ErrNotFound)
	}
	return nil
}

// Delete removes a listing row.
func (r *Repository) Delete(ctx context.Context, externalID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM listings WHERE external_item_id = $1`, externalID); err != nil {
		return fmt.Errorf("delete listing %s: %w", externalID, err)
	}
	return nil
}

// CountByVerificationStatus aggregates listings per verification status.
func (r *Repository) CountByVerificationStatus(ctx context.Context) (map[crawler.VerificationStatus]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT verification_status, COUNT(*) FROM listings GROUP BY verification_status`)
	if err != nil {
		return nil, fmt.Errorf("count listings: %w", err)
	}
	defer rows.Close()
	out := make(map[crawler.VerificationStatus]int)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[crawler.VerificationStatus(status)] = int(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

// StartCrawlLog inserts a running crawl log.
func (r *Repository) StartCrawlLog(ctx context.Context, log crawler.CrawlLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO crawl_logs (id, store_id, status, started_at) VALUES ($1, $2, $3, $4)`,
		log.ID, log.StoreID, string(crawler.CrawlRunning), log.StartedAt)
	if err != nil {
		return fmt.Errorf("start crawl log: %w", err)
	}
	return nil
}

// FinishCrawlLog finalizes a running crawl log. Finalized rows are immutable.
func (r *Repository) FinishCrawlLog(ctx context.Context, log crawler.CrawlLog) error {
	var errText *string
	if log.ErrorMessage != "" {
		msg := crawler.TruncateError(log.ErrorMessage)
		errText = &msg
	}
	_, err := r.db.Exec(ctx, `
		UPDATE crawl_logs SET status = $2, found = $3, new_count = $4, updated_count = $5,
			sold_count = $6, completed_at = $7, error_message = $8
		WHERE id = $1 AND status = $9`,
		log.ID, string(log.Status), log.Found, log.New, log.Updated, log.Sold,
		log.CompletedAt, errText, string(crawler.CrawlRunning))
	if err != nil {
		return fmt.Errorf("finish crawl log: %w", err)
	}
	return nil
}

// LatestCrawlLog returns the most recent crawl log for a store.
func (r *Repository) LatestCrawlLog(ctx context.Context, storeID string) (crawler.CrawlLog, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, store_id, status, found, new_count, updated_count, sold_count,
			started_at, completed_at, COALESCE(error_message, '')
		FROM crawl_logs WHERE store_id = $1
		ORDER BY started_at DESC LIMIT 1`, storeID)
	var (
		log    crawler.CrawlLog
		status string
	)
	err := row.Scan(&log.ID, &log.StoreID, &status, &log.Found, &log.New, &log.Updated, &log.Sold,
		&log.StartedAt, &log.CompletedAt, &log.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlLog{}, fmt.Errorf("crawl log for %s: %w", storeID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlLog{}, fmt.Errorf("latest crawl log: %w", err)
	}
	log.Status = crawler.CrawlLogStatus(status)
	return log, nil
}

func (r *Repository) queryListings(ctx context.Context, sql string, args ...any) ([]crawler.Listing, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()
	var out []crawler.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

func scanStore(row pgx.Row) (crawler.Store, error) {
	var (
		s        crawler.Store
		interval int64
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Active, &interval, &s.LastCrawledAt); err != nil {
		return crawler.Store{}, err
	}
	s.CrawlInterval = time.Duration(interval) * time.Second
	return s, nil
}

func scanListing(row pgx.Row) (crawler.Listing, error) {
	var (
		l                    crawler.Listing
		status, verification string
	)
	err := row.Scan(
		&l.ExternalID, &l.StoreID, &l.Title, &l.Price, &l.Currency, &l.Condition, &l.ImageURL, &l.URL,
		&status, &verification, &l.FirstSeenAt, &l.LastSeenAt, &l.SoldAt, &l.LastVerifiedAt,
		&l.VerificationError, &l.LastQuantities.Available, &l.LastQuantities.Remaining, &l.LastQuantities.Sold,
	)
	if err != nil {
		return crawler.Listing{}, err
	}
	l.Status = crawler.ListingStatus(status)
	l.VerificationStatus = crawler.VerificationStatus(verification)
	return l, nil
}
