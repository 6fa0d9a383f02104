package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/metrics"
	"github.com/JakeFAU/storewatch/internal/telemetry"
)

// DetailFetcher loads the availability snapshot for an item.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, itemID string) (Availability, error)
}

// RemovalPolicy decides what happens to out-of-stock and ended listings.
type RemovalPolicy string

// Removal policies.
const (
	// RemovalRetain keeps the row in a durable terminal state.
	RemovalRetain RemovalPolicy = "retain"
	// RemovalDelete deletes the row.
	RemovalDelete RemovalPolicy = "delete"
)

// Valid reports whether p is a known policy.
func (p RemovalPolicy) Valid() bool {
	return p == RemovalRetain || p == RemovalDelete
}

// Result is the outcome of verifying one item. Err is set only when
// Status is ERROR.
type Result struct {
	ItemID   string
	Status   crawler.VerificationStatus
	Reason   string
	Snapshot Availability
	Err      error
	Duration time.Duration
}

// ServiceConfig tunes the verification service.
type ServiceConfig struct {
	ItemTimeout   time.Duration
	RemovalPolicy RemovalPolicy
}

// Service verifies single items and applies outcomes to the repository.
type Service struct {
	fetcher  DetailFetcher
	listings crawler.ListingRepository
	clock    crawler.Clock
	cfg      ServiceConfig
	logger   *zap.Logger
}

// NewService wires a Service.
func NewService(fetcher DetailFetcher, listings crawler.ListingRepository, clock crawler.Clock, cfg ServiceConfig, logger *zap.Logger) *Service {
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 30 * time.Second
	}
	if !cfg.RemovalPolicy.Valid() {
		cfg.RemovalPolicy = RemovalRetain
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{fetcher: fetcher, listings: listings, clock: clock, cfg: cfg, logger: logger}
}

// Verify classifies one item. Failures are reported as an ERROR result and
// never returned or raised.
func (s *Service) Verify(ctx context.Context, itemID string) (res Result) {
	start := time.Now()
	res.ItemID = itemID
	ctx, span := telemetry.Start(ctx, "verify.item", attribute.String("item_id", itemID))
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				ItemID: itemID,
				Status: crawler.VerificationError,
				Reason: "panic",
				Err:    fmt.Errorf("verify %s: panic: %v", itemID, r),
			}
		}
		res.Duration = time.Since(start)
		metrics.ObserveVerification(string(res.Status), res.Duration)
		span.SetAttributes(attribute.String("status", string(res.Status)), attribute.String("reason", res.Reason))
		telemetry.End(span, res.Err)
	}()

	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	snapshot, err := s.fetcher.FetchDetail(itemCtx, itemID)
	if err != nil {
		res.Status = crawler.VerificationError
		res.Reason = errorReason(err)
		res.Err = fmt.Errorf("verify %s: %w", itemID, err)
		return res
	}
	res.Snapshot = snapshot
	res.Status, res.Reason = Classify(snapshot)
	return res
}

func errorReason(err error) string {
	var pe *ParseError
	var te *TransportError
	switch {
	case errors.As(err, &pe):
		return "malformed response"
	case errors.As(err, &te):
		return "transport failure"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// Apply persists a verification result. It reports whether the listing is
// now confirmed sold.
func (s *Service) Apply(ctx context.Context, listing crawler.Listing, res Result) (bool, error) {
	now := s.clock.Now()
	update := crawler.VerificationUpdate{
		VerificationStatus: res.Status,
		VerifiedAt:         now,
		Quantities:         res.Snapshot.Quantities,
	}

	switch res.Status {
	case crawler.VerificationSoldConfirmed:
		update.Status = crawler.StatusSold
		update.SoldAt = &now
	case crawler.VerificationVerified:
		update.Status = crawler.StatusActive
	case crawler.VerificationOutOfStock:
		if s.cfg.RemovalPolicy == RemovalDelete {
			return false, s.delete(ctx, listing.ExternalID)
		}
		update.Status = crawler.StatusRemoved
	case crawler.VerificationListingEnded:
		if s.cfg.RemovalPolicy == RemovalDelete {
			return false, s.delete(ctx, listing.ExternalID)
		}
		update.Status = crawler.StatusEnded
	case crawler.VerificationError:
		update.Status = crawler.StatusRemoved
		msg := res.Reason
		if res.Err != nil {
			msg = res.Err.Error()
		}
		update.Error = crawler.TruncateError(msg)
	default:
		return false, fmt.Errorf("apply %s: unexpected verification status %q", listing.ExternalID, res.Status)
	}

	if err := s.listings.ApplyVerification(ctx, listing.ExternalID, update); err != nil {
		return false, fmt.Errorf("apply %s: %w", listing.ExternalID, err)
	}
	s.logger.Debug("verification applied",
		zap.String("item_id", listing.ExternalID),
		zap.String("store_id", listing.StoreID),
		zap.String("verification_status", string(res.Status)),
		zap.String("reason", res.Reason),
	)
	return res.Status == crawler.VerificationSoldConfirmed, nil
}

func (s *Service) delete(ctx context.Context, externalID string) error {
	if err := s.listings.Delete(ctx, externalID); err != nil {
		return fmt.Errorf("delete %s: %w", externalID, err)
	}
	return nil
}
