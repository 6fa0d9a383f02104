// Package diff reconciles a fresh crawl against the stored baseline and
// persists new, updated and removed listings.
package diff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

// Config tunes the anomaly guard and persistence.
type Config struct {
	// AnomalyThreshold is the largest removal count that is trusted.
	AnomalyThreshold int
	// AnomalyRatio, when > 0, raises the threshold to this fraction of the
	// baseline size.
	AnomalyRatio float64
	// PersistNew inserts new listings into the repository.
	PersistNew bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{AnomalyThreshold: 5, PersistNew: true}
}

// Threshold returns the effective removal limit for a baseline of size n.
func (c Config) Threshold(n int) int {
	limit := c.AnomalyThreshold
	if c.AnomalyRatio > 0 {
		if scaled := int(math.Ceil(c.AnomalyRatio * float64(n))); scaled > limit {
			limit = scaled
		}
	}
	return limit
}

// Result summarizes one reconciliation.
type Result struct {
	Found      int
	New        int
	Updated    int
	Removed    int
	NewIDs     []string
	RemovedIDs []string
	// Anomaly is set when the removal count exceeded the threshold and
	// nothing was marked.
	Anomaly bool
	// Initial is set when no baseline existed; new items are not announced.
	Initial bool
}

// Engine applies the crawl → baseline diff.
type Engine struct {
	snapshots crawler.SnapshotStore
	listings  crawler.ListingRepository
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// NewEngine wires the engine's collaborators.
func NewEngine(snapshots crawler.SnapshotStore, listings crawler.ListingRepository, clock crawler.Clock, cfg Config, logger *zap.Logger) (*Engine, error) {
	if snapshots == nil || listings == nil || clock == nil {
		return nil, fmt.Errorf("snapshots, listings and clock are required")
	}
	if cfg.AnomalyThreshold < 0 {
		return nil, fmt.Errorf("anomaly threshold must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{snapshots: snapshots, listings: listings, clock: clock, cfg: cfg, logger: logger}, nil
}

// Classify splits ids into new, removed and common sets, each sorted.
func Classify(current, baseline map[string]crawler.Listing) (newIDs, removedIDs, commonIDs []string) {
	for id := range current {
		if _, ok := baseline[id]; ok {
			commonIDs = append(commonIDs, id)
		} else {
			newIDs = append(newIDs, id)
		}
	}
	for id := range baseline {
		if _, ok := current[id]; !ok {
			removedIDs = append(removedIDs, id)
		}
	}
	sort.Strings(newIDs)
	sort.Strings(removedIDs)
	sort.Strings(commonIDs)
	return newIDs, removedIDs, commonIDs
}

// Apply reconciles current against the stored baseline for storeID and then
// replaces the baseline with current. The baseline is left untouched when a
// repository write fails so the next crawl retries the same diff.
func (e *Engine) Apply(ctx context.Context, storeID string, current map[string]crawler.Listing) (Result, error) {
	baseline, found, err := e.snapshots.Get(ctx, storeID)
	if err != nil {
		return Result{}, fmt.Errorf("load baseline: %w", err)
	}
	now := e.clock.Now()
	newIDs, removedIDs, commonIDs := Classify(current, baseline)
	res := Result{Found: len(current), NewIDs: newIDs, Initial: !found}

	for _, id := range newIDs {
		if e.cfg.PersistNew {
			l := current[id]
			l.StoreID = storeID
			l.LastSeenAt = now
			if err := e.listings.UpsertNew(ctx, l); err != nil {
				return res, fmt.Errorf("persist new listing: %w", err)
			}
		}
		res.New++
	}

	if limit := e.cfg.Threshold(len(baseline)); len(removedIDs) > limit {
		res.Anomaly = true
		e.logger.Warn("removal anomaly, skipping removal marking",
			zap.String("store_id", storeID),
			zap.Int("removed", len(removedIDs)),
			zap.Int("threshold", limit),
			zap.Int("baseline", len(baseline)),
			zap.Int("current", len(current)),
		)
		if err := e.snapshots.Put(ctx, storeID, current); err != nil {
			return res, fmt.Errorf("replace baseline: %w", err)
		}
		return res, nil
	}

	for _, id := range removedIDs {
		if err := e.listings.MarkRemoved(ctx, id, now); err != nil {
			return res, fmt.Errorf("mark removed: %w", err)
		}
	}
	res.Removed = len(removedIDs)
	res.RemovedIDs = removedIDs

	for _, id := range commonIDs {
		cur := current[id]
		changed := !cur.SameObservation(baseline[id])
		cur.StoreID = storeID
		cur.LastSeenAt = now
		err := e.listings.UpdateObserved(ctx, cur, changed)
		if err != nil && !errors.Is(err, crawler.ErrNotFound) {
			return res, fmt.Errorf("update listing: %w", err)
		}
		if changed {
			res.Updated++
		}
	}

	if err := e.snapshots.Put(ctx, storeID, current); err != nil {
		return res, fmt.Errorf("replace baseline: %w", err)
	}
	return res, nil
}
