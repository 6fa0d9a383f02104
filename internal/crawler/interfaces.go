package crawler

import (
	"context"
	"io"
	"time"
)

// PageFetcher loads a single listing page for a store.
type PageFetcher interface {
	FetchPage(ctx context.Context, storeName string, page int) (Page, error)
}

// Extractor parses listing records and the next-page control out of HTML.
type Extractor interface {
	Extract(html []byte) (ExtractedPage, error)
}

// StoreRepository reads stores and records crawl completion.
type StoreRepository interface {
	GetStore(ctx context.Context, storeID string) (Store, error)
	ListActiveStores(ctx context.Context) ([]Store, error)
	MarkCrawled(ctx context.Context, storeID string, at time.Time) error
}

// ListingRepository persists listings.
type ListingRepository interface {
	// UpsertNew inserts an ACTIVE/VERIFIED listing, reviving a previously
	// removed row with the same external id.
	UpsertNew(ctx context.Context, listing Listing) error
	// UpdateObserved refreshes page fields and lastSeenAt. changed is false
	// when only lastSeenAt needs to move.
	UpdateObserved(ctx context.Context, listing Listing, changed bool) error
	MarkRemoved(ctx context.Context, externalID string, at time.Time) error
	ListPending(ctx context.Context, since time.Time, limit int) ([]Listing, error)
	ListErrored(ctx context.Context, verifiedBefore time.Time, limit int) ([]Listing, error)
	ApplyVerification(ctx context.Context, externalID string, update VerificationUpdate) error
	Delete(ctx context.Context, externalID string) error
	CountByVerificationStatus(ctx context.Context) (map[VerificationStatus]int, error)
}

// CrawlLogRepository records crawl attempts.
type CrawlLogRepository interface {
	StartCrawlLog(ctx context.Context, log CrawlLog) error
	FinishCrawlLog(ctx context.Context, log CrawlLog) error
	LatestCrawlLog(ctx context.Context, storeID string) (CrawlLog, error)
}

// LockManager provides per-store mutual exclusion across workers.
type LockManager interface {
	TryAcquire(ctx context.Context, storeID, workerID string) (bool, error)
	Release(ctx context.Context, storeID, workerID string) error
	ReleaseAll(ctx context.Context, workerID string) (int, error)
	SweepStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// SnapshotStore holds the last observed listing set per store.
// Get returns found=false when no baseline exists.
type SnapshotStore interface {
	Get(ctx context.Context, storeID string) (map[string]Listing, bool, error)
	Put(ctx context.Context, storeID string, listings map[string]Listing) error
}

// Notifier delivers new-item and sold-item notices for a store.
type Notifier interface {
	Notify(ctx context.Context, storeID string, n Notification) error
}

// ArtifactStore writes debug artifacts and returns a URI.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces worker and crawl log IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
