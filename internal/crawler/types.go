package crawler

import (
	"time"
)

// ListingStatus is the observed lifecycle state of a listing.
type ListingStatus string

// Listing status values persisted in the listings table.
const (
	StatusActive  ListingStatus = "ACTIVE"
	StatusSold    ListingStatus = "SOLD"
	StatusEnded   ListingStatus = "ENDED"
	StatusRemoved ListingStatus = "REMOVED"
)

// VerificationStatus is the outcome of the last verification attempt.
type VerificationStatus string

// Verification status values.
const (
	VerificationPending       VerificationStatus = "PENDING"
	VerificationVerified      VerificationStatus = "VERIFIED"
	VerificationSoldConfirmed VerificationStatus = "SOLD_CONFIRMED"
	VerificationOutOfStock    VerificationStatus = "OUT_OF_STOCK"
	VerificationListingEnded  VerificationStatus = "LISTING_ENDED"
	VerificationError         VerificationStatus = "ERROR"
)

// AllVerificationStatuses lists every verification status in display order.
var AllVerificationStatuses = []VerificationStatus{
	VerificationPending,
	VerificationVerified,
	VerificationSoldConfirmed,
	VerificationOutOfStock,
	VerificationListingEnded,
	VerificationError,
}

// ValidPair reports whether a listing status and verification status may
// coexist on the same row.
func ValidPair(status ListingStatus, verification VerificationStatus) bool {
	switch status {
	case StatusActive:
		return verification == VerificationVerified
	case StatusSold:
		return verification == VerificationSoldConfirmed
	case StatusEnded:
		return verification == VerificationListingEnded
	case StatusRemoved:
		return verification == VerificationPending ||
			verification == VerificationOutOfStock ||
			verification == VerificationError
	default:
		return false
	}
}

// Store is a monitored storefront.
type Store struct {
	ID            string        `json:"id"`
	Name          string        `json:"store_name"`
	Active        bool          `json:"is_active"`
	CrawlInterval time.Duration `json:"crawl_interval"`
	LastCrawledAt *time.Time    `json:"last_crawled_at,omitempty"`
}

// Due reports whether the crawl interval has elapsed since the last crawl.
func (s Store) Due(now time.Time) bool {
	if s.LastCrawledAt == nil || s.CrawlInterval <= 0 {
		return true
	}
	return now.Sub(*s.LastCrawledAt) >= s.CrawlInterval
}

// Quantities is the quantity snapshot returned by the detail endpoint.
// Nil means the field was absent from the response.
type Quantities struct {
	Available *int `json:"available,omitempty"`
	Remaining *int `json:"remaining,omitempty"`
	Sold      *int `json:"sold,omitempty"`
}

// Any reports whether at least one quantity was present.
func (q Quantities) Any() bool {
	return q.Available != nil || q.Remaining != nil || q.Sold != nil
}

// Listing is a single storefront item tracked across crawls.
type Listing struct {
	ExternalID         string             `json:"external_item_id"`
	StoreID            string             `json:"store_id"`
	Title              string             `json:"title"`
	Price              float64            `json:"price"`
	Currency           string             `json:"currency"`
	Condition          string             `json:"condition,omitempty"`
	ImageURL           string             `json:"image_url,omitempty"`
	URL                string             `json:"url,omitempty"`
	Status             ListingStatus      `json:"status"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	FirstSeenAt        time.Time          `json:"first_seen_at"`
	LastSeenAt         time.Time          `json:"last_seen_at"`
	SoldAt             *time.Time         `json:"sold_at,omitempty"`
	LastVerifiedAt     *time.Time         `json:"last_verified_at,omitempty"`
	VerificationError  string             `json:"verification_error,omitempty"`
	LastQuantities     Quantities         `json:"last_quantities"`
}

// SameObservation reports whether the observable page fields match.
func (l Listing) SameObservation(other Listing) bool {
	return l.Title == other.Title &&
		l.Price == other.Price &&
		l.Currency == other.Currency &&
		l.Condition == other.Condition &&
		l.ImageURL == other.ImageURL
}

// VerificationUpdate is the persisted effect of one verification outcome.
type VerificationUpdate struct {
	Status             ListingStatus
	VerificationStatus VerificationStatus
	VerifiedAt         time.Time
	SoldAt             *time.Time
	Error              string
	Quantities         Quantities
}

// CrawlLogStatus is the state of a crawl attempt.
type CrawlLogStatus string

// Crawl log status values.
const (
	CrawlRunning CrawlLogStatus = "running"
	CrawlSuccess CrawlLogStatus = "success"
	CrawlFailed  CrawlLogStatus = "failed"
)

// MaxCrawlLogError caps the persisted crawl error message.
const MaxCrawlLogError = 500

// CrawlLog records one crawl attempt.
type CrawlLog struct {
	ID           string         `json:"id"`
	StoreID      string         `json:"store_id"`
	Status       CrawlLogStatus `json:"status"`
	Found        int            `json:"found"`
	New          int            `json:"new"`
	Updated      int            `json:"updated"`
	Sold         int            `json:"sold"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// TruncateError shortens msg to MaxCrawlLogError runes.
func TruncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= MaxCrawlLogError {
		return msg
	}
	return string(runes[:MaxCrawlLogError])
}

// Page is the raw result of loading one listing page.
type Page struct {
	Number   int
	URL      string
	FinalURL string
	Title    string
	HTML     []byte
}

// ExtractedPage is the parsed content of one listing page.
type ExtractedPage struct {
	Listings     []Listing
	HasNext      bool
	NextDisabled bool
	Skipped      int
}

// CrawlPages is the deduplicated output of a full paginated crawl.
type CrawlPages struct {
	Listings map[string]Listing
	Pages    int
	Skipped  int
}

// Notification is handed to the Notifier after a crawl or verification batch.
type Notification struct {
	NewItemCount int      `json:"new_item_count"`
	SoldItemIDs  []string `json:"sold_item_ids"`
}

// Empty reports whether there is nothing to announce.
func (n Notification) Empty() bool {
	return n.NewItemCount == 0 && len(n.SoldItemIDs) == 0
}

// CrawlResult is returned by the crawl entry point.
type CrawlResult struct {
	StoreID    string        `json:"store_id"`
	Success    bool          `json:"success"`
	Skipped    bool          `json:"skipped,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Found      int           `json:"found"`
	New        int           `json:"new"`
	Updated    int           `json:"updated"`
	Sold       int           `json:"sold"`
	Anomaly    bool          `json:"anomaly,omitempty"`
	Duration   time.Duration `json:"duration_ms"`
	Err        error         `json:"-"`
}

// Error returns the failure text, if any.
func (r CrawlResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
