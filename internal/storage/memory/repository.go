package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

// Repository keeps stores, listings and crawl logs in maps.
type Repository struct {
	mu       sync.RWMutex
	stores   map[string]crawler.Store
	listings map[string]crawler.Listing
	logs     map[string][]crawler.CrawlLog
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		stores:   make(map[string]crawler.Store),
		listings: make(map[string]crawler.Listing),
		logs:     make(map[string][]crawler.CrawlLog),
	}
}

// PutStore registers or replaces a store.
func (r *Repository) PutStore(store crawler.Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[store.ID] = store
}

// Listing returns a listing by external id.
func (r *Repository) Listing(externalID string) (crawler.Listing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[externalID]
	return l, ok
}

// PutListing inserts a listing verbatim.
func (r *Repository) PutListing(l crawler.Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listings[l.ExternalID] = l
}

// GetStore loads one store by id.
func (r *Repository) GetStore(_ context.Context, storeID string) (crawler.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[storeID]
	if !ok {
		return crawler.Store{}, fmt.Errorf("store %s: %w", storeID, crawler.ErrNotFound)
	}
	return s, nil
}

// ListActiveStores returns active stores, least recently crawled first.
func (r *Repository) ListActiveStores(_ context.Context) ([]crawler.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crawler.Store, 0, len(r.stores))
	for _, s := range r.stores {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastCrawledAt, out[j].LastCrawledAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		default:
			return out[i].ID < out[j].ID
		}
	})
	return out, nil
}

// MarkCrawled stamps lastCrawledAt.
func (r *Repository) MarkCrawled(_ context.Context, storeID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[storeID]
	if !ok {
		return fmt.Errorf("store %s: %w", storeID, crawler.ErrNotFound)
	}
	s.LastCrawledAt = &at
	r.stores[storeID] = s
	return nil
}

// UpsertNew inserts a newly observed listing, reviving a removed row.
func (r *Repository) UpsertNew(_ context.Context, l crawler.Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.listings[l.ExternalID]; ok {
		l.FirstSeenAt = existing.FirstSeenAt
		l.LastVerifiedAt = existing.LastVerifiedAt
		l.LastQuantities = existing.LastQuantities
	} else {
		l.FirstSeenAt = l.LastSeenAt
	}
	l.Status = crawler.StatusActive
	l.VerificationStatus = crawler.VerificationVerified
	l.SoldAt = nil
	l.VerificationError = ""
	r.listings[l.ExternalID] = l
	return nil
}

// UpdateObserved refreshes page fields when changed, and lastSeenAt always.
func (r *Repository) UpdateObserved(_ context.Context, l crawler.Listing, changed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.listings[l.ExternalID]
	if !ok {
		return fmt.Errorf("listing %s: %w", l.ExternalID, crawler.ErrNotFound)
	}
	if changed {
		existing.Title = l.Title
		existing.Price = l.Price
		existing.Currency = l.Currency
		existing.Condition = l.Condition
		existing.ImageURL = l.ImageURL
	}
	existing.LastSeenAt = l.LastSeenAt
	r.listings[l.ExternalID] = existing
	return nil
}

// MarkRemoved flags a vanished listing for verification. Sold rows are final.
func (r *Repository) MarkRemoved(_ context.Context, externalID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[externalID]
	if !ok || l.Status == crawler.StatusSold {
		return nil
	}
	l.Status = crawler.StatusRemoved
	l.VerificationStatus = crawler.VerificationPending
	l.VerificationError = ""
	l.LastSeenAt = at
	r.listings[externalID] = l
	return nil
}

// ListPending returns PENDING listings removed at or after since.
func (r *Repository) ListPending(_ context.Context, since time.Time, limit int) ([]crawler.Listing, error) {
	return r.filter(limit, func(l crawler.Listing) bool {
		return l.VerificationStatus == crawler.VerificationPending && !l.LastSeenAt.Before(since)
	}, func(a, b crawler.Listing) bool {
		if !a.LastSeenAt.Equal(b.LastSeenAt) {
			return a.LastSeenAt.Before(b.LastSeenAt)
		}
		return a.ExternalID < b.ExternalID
	}), nil
}

// ListErrored returns ERROR listings last verified before the cutoff.
func (r *Repository) ListErrored(_ context.Context, verifiedBefore time.Time, limit int) ([]crawler.Listing, error) {
	return r.filter(limit, func(l crawler.Listing) bool {
		return l.VerificationStatus == crawler.VerificationError &&
			(l.LastVerifiedAt == nil || l.LastVerifiedAt.Before(verifiedBefore))
	}, func(a, b crawler.Listing) bool {
		return a.ExternalID < b.ExternalID
	}), nil
}

func (r *Repository) filter(limit int, keep func(crawler.Listing) bool, less func(a, b crawler.Listing) bool) []crawler.Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []crawler.Listing
	for _, l := range r.listings {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ApplyVerification persists a verification outcome.
func (r *Repository) ApplyVerification(_ context.Context, externalID string, u crawler.VerificationUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[externalID]
	if !ok {
		return fmt.Errorf("listing %s: %w", externalID, crawler.ErrNotFound)
	}
	l.Status = u.Status
	l.VerificationStatus = u.VerificationStatus
	verifiedAt := u.VerifiedAt
	l.LastVerifiedAt = &verifiedAt
	if u.SoldAt != nil {
		l.SoldAt = u.SoldAt
	}
	l.VerificationError = u.Error
	l.LastQuantities = u.Quantities
	r.listings[externalID] = l
	return nil
}

// Delete removes a listing.
func (r *Repository) Delete(_ context.Context, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listings, externalID)
	return nil
}

// CountByVerificationStatus aggregates listings per verification status.
func (r *Repository) CountByVerificationStatus(_ context.Context) (map[crawler.VerificationStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[crawler.VerificationStatus]int)
	for _, l := range r.listings {
		out[l.VerificationStatus]++
	}
	return out, nil
}

// StartCrawlLog records a running crawl.
func (r *Repository) StartCrawlLog(_ context.Context, log crawler.CrawlLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.Status = crawler.CrawlRunning
	r.logs[log.StoreID] = append(r.logs[log.StoreID], log)
	return nil
}

// FinishCrawlLog finalizes a running crawl log. Finalized logs are immutable.
func (r *Repository) FinishCrawlLog(_ context.Context, log crawler.CrawlLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	logs := r.logs[log.StoreID]
	for i := range logs {
		if logs[i].ID != log.ID {
			continue
		}
		if logs[i].Status != crawler.CrawlRunning {
			return nil
		}
		log.ErrorMessage = crawler.TruncateError(log.ErrorMessage)
		log.StartedAt = logs[i].StartedAt
		logs[i] = log
		return nil
	}
	return fmt.Errorf("crawl log %s: %w", log.ID, crawler.ErrNotFound)
}

// LatestCrawlLog returns the most recent crawl log for a store.
func (r *Repository) LatestCrawlLog(_ context.Context, storeID string) (crawler.CrawlLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	logs := r.logs[storeID]
	if len(logs) == 0 {
		return crawler.CrawlLog{}, fmt.Errorf("crawl log for %s: %w", storeID, crawler.ErrNotFound)
	}
	return logs[len(logs)-1], nil
}

// CrawlLogs returns all crawl logs recorded for a store.
func (r *Repository) CrawlLogs(storeID string) []crawler.CrawlLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]crawler.CrawlLog(nil), r.logs[storeID]...)
}
