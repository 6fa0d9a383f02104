// Package worker runs store crawls: lock, paginate, diff, log and notify.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/storewatch/internal/clock/system"
	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/diff"
	"github.com/JakeFAU/storewatch/internal/metrics"
	"github.com/JakeFAU/storewatch/internal/telemetry"
)

// Skip reasons reported in CrawlResult.SkipReason.
const (
	SkipInactive = "inactive"
	SkipNotDue   = "interval not elapsed"
	SkipLocked   = "crawl already running"
)

// Crawler walks a store's listing pages.
type Crawler interface {
	Crawl(ctx context.Context, store crawler.Store) (crawler.CrawlPages, error)
}

// Reconciler diffs a crawl against the stored baseline.
type Reconciler interface {
	Apply(ctx context.Context, storeID string, current map[string]crawler.Listing) (diff.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	// WorkerID identifies this process as a lock owner.
	WorkerID string
	// StoreDelay separates consecutive stores within a cycle.
	StoreDelay time.Duration
	// CrawlTimeout bounds one store crawl. Zero means no bound.
	CrawlTimeout time.Duration
	// SweepMaxAge clears running locks older than this before each cycle.
	// Zero disables the sweep.
	SweepMaxAge time.Duration
}

// Deps groups the Worker's collaborators. Notifier may be nil.
type Deps struct {
	Stores   crawler.StoreRepository
	Logs     crawler.CrawlLogRepository
	Locks    crawler.LockManager
	Crawler  Crawler
	Differ   Reconciler
	Notifier crawler.Notifier
	Clock    crawler.Clock
	IDs      crawler.IDGenerator
}

// Worker executes store crawls.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Stores == nil, deps.Logs == nil, deps.Locks == nil:
		return nil, errors.New("worker: stores, logs and locks are required")
	case deps.Crawler == nil, deps.Differ == nil:
		return nil, errors.New("worker: crawler and differ are required")
	case deps.Clock == nil, deps.IDs == nil:
		return nil, errors.New("worker: clock and id generator are required")
	case cfg.WorkerID == "":
		return nil, errors.New("worker: worker id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.String("worker_id", cfg.WorkerID)),
		sleep:  system.Sleep,
	}, nil
}

// ID returns the worker's lock owner id.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// CrawlStore runs one full crawl for storeID. Skips are reported in the
// result, not as errors. A failed crawl always releases the lock and
// finalizes its crawl log before returning.
func (w *Worker) CrawlStore(ctx context.Context, storeID string) crawler.CrawlResult {
	ctx, span := telemetry.Start(ctx, "worker.crawl_store", attribute.String("store_id", storeID))
	res := w.crawlStore(ctx, storeID)
	span.SetAttributes(
		attribute.Bool("skipped", res.Skipped),
		attribute.Int("found", res.Found),
		attribute.Int("new", res.New),
		attribute.Int("sold", res.Sold),
	)
	telemetry.End(span, res.Err)
	return res
}

func (w *Worker) crawlStore(ctx context.Context, storeID string) crawler.CrawlResult {
	start := w.deps.Clock.Now()
	res := crawler.CrawlResult{StoreID: storeID}
	logger := w.logger.With(zap.String("store_id", storeID))

	store, err := w.deps.Stores.GetStore(ctx, storeID)
	if err != nil {
		res.Err = fmt.Errorf("load store %s: %w", storeID, err)
		metrics.ObserveCrawl("failed", 0)
		return res
	}
	if !store.Active {
		return w.skip(res, SkipInactive)
	}
	if !store.Due(start) {
		return w.skip(res, SkipNotDue)
	}

	acquired, err := w.deps.Locks.TryAcquire(ctx, storeID, w.cfg.WorkerID)
	if err != nil {
		res.Err = fmt.Errorf("acquire lock %s: %w", storeID, err)
		metrics.ObserveCrawl("failed", 0)
		return res
	}
	if !acquired {
		metrics.ObserveLock("contended", 1)
		logger.Info("store crawl already running, skipping")
		return w.skip(res, SkipLocked)
	}
	metrics.ObserveLock("acquired", 1)
	defer w.release(context.WithoutCancel(ctx), storeID)

	if w.cfg.CrawlTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.CrawlTimeout)
		defer cancel()
	}

	logID, err := w.deps.IDs.NewID()
	if err != nil {
		res.Err = fmt.Errorf("crawl log id: %w", err)
		metrics.ObserveCrawl("failed", 0)
		return res
	}
	crawlLog := crawler.CrawlLog{ID: logID, StoreID: storeID, Status: crawler.CrawlRunning, StartedAt: start}
	if err := w.deps.Logs.StartCrawlLog(ctx, crawlLog); err != nil {
		res.Err = fmt.Errorf("start crawl log: %w", err)
		metrics.ObserveCrawl("failed", 0)
		return res
	}

	logger.Info("crawl started", zap.String("store_name", store.Name), zap.String("crawl_log_id", logID))

	pages, err := w.deps.Crawler.Crawl(ctx, store)
	if err != nil {
		return w.fail(ctx, res, crawlLog, start, fmt.Errorf("crawl %s: %w", storeID, err))
	}

	outcome, err := w.deps.Differ.Apply(ctx, storeID, pages.Listings)
	if err != nil {
		return w.fail(ctx, res, crawlLog, start, fmt.Errorf("diff %s: %w", storeID, err))
	}
	metrics.ObserveDiff(outcome.New, outcome.Updated, outcome.Removed, outcome.Anomaly)

	now := w.deps.Clock.Now()
	if err := w.deps.Stores.MarkCrawled(ctx, storeID, now); err != nil {
		return w.fail(ctx, res, crawlLog, start, fmt.Errorf("mark crawled %s: %w", storeID, err))
	}

	res.Success = true
	res.Found = outcome.Found
	res.New = outcome.New
	res.Updated = outcome.Updated
	res.Sold = outcome.Removed
	res.Anomaly = outcome.Anomaly
	res.Duration = now.Sub(start)

	crawlLog.Status = crawler.CrawlSuccess
	crawlLog.Found, crawlLog.New, crawlLog.Updated, crawlLog.Sold = res.Found, res.New, res.Updated, res.Sold
	crawlLog.CompletedAt = &now
	if err := w.deps.Logs.FinishCrawlLog(ctx, crawlLog); err != nil {
		logger.Error("finish crawl log failed", zap.String("crawl_log_id", logID), zap.Error(err))
	}

	if !outcome.Initial {
		w.notify(ctx, storeID, crawler.Notification{NewItemCount: outcome.New})
	}

	metrics.ObserveCrawl("success", res.Duration)
	logger.Info("crawl finished",
		zap.Int("pages", pages.Pages),
		zap.Int("found", res.Found),
		zap.Int("new", res.New),
		zap.Int("updated", res.Updated),
		zap.Int("removed", res.Sold),
		zap.Int("skipped_items", pages.Skipped),
		zap.Bool("anomaly", res.Anomaly),
		zap.Bool("initial", outcome.Initial),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func (w *Worker) skip(res crawler.CrawlResult, reason string) crawler.CrawlResult {
	res.Skipped = true
	res.SkipReason = reason
	metrics.ObserveCrawl("skipped", 0)
	return res
}

func (w *Worker) fail(ctx context.Context, res crawler.CrawlResult, crawlLog crawler.CrawlLog, start time.Time, cause error) crawler.CrawlResult {
	now := w.deps.Clock.Now()
	res.Err = cause
	res.Duration = now.Sub(start)

	crawlLog.Status = crawler.CrawlFailed
	crawlLog.CompletedAt = &now
	crawlLog.ErrorMessage = crawler.TruncateError(cause.Error())
	if err := w.deps.Logs.FinishCrawlLog(context.WithoutCancel(ctx), crawlLog); err != nil {
		w.logger.Error("finish crawl log failed",
			zap.String("store_id", res.StoreID),
			zap.String("crawl_log_id", crawlLog.ID),
			zap.Error(err))
	}

	status := "failed"
	if errors.Is(cause, crawler.ErrChallengeDetected) {
		status = "challenged"
	}
	metrics.ObserveCrawl(status, res.Duration)
	w.logger.Error("crawl failed", zap.String("store_id", res.StoreID), zap.Error(cause))
	return res
}

func (w *Worker) release(ctx context.Context, storeID string) {
	if err := w.deps.Locks.Release(ctx, storeID, w.cfg.WorkerID); err != nil {
		w.logger.Error("release lock failed", zap.String("store_id", storeID), zap.Error(err))
		return
	}
	metrics.ObserveLock("released", 1)
}

func (w *Worker) notify(ctx context.Context, storeID string, n crawler.Notification) {
	if w.deps.Notifier == nil || n.Empty() {
		return
	}
	if err := w.deps.Notifier.Notify(ctx, storeID, n); err != nil {
		metrics.ObserveNotification("error")
		w.logger.Warn("notification failed", zap.String("store_id", storeID), zap.Error(err))
		return
	}
	metrics.ObserveNotification("sent")
}

// CycleResult summarizes one pass over all active stores.
type CycleResult struct {
	Results   []crawler.CrawlResult
	Succeeded int
	Skipped   int
	Failed    int
}

// RunCycle crawls every active store sequentially. Individual store failures
// are recorded and do not stop the cycle.
func (w *Worker) RunCycle(ctx context.Context) (CycleResult, error) {
	if w.cfg.SweepMaxAge > 0 {
		n, err := w.deps.Locks.SweepStale(ctx, w.cfg.SweepMaxAge)
		if err != nil {
			w.logger.Warn("stale lock sweep failed", zap.Error(err))
		} else if n > 0 {
			metrics.ObserveLock("swept", n)
			w.logger.Info("stale locks swept", zap.Int("count", n))
		}
	}
	stores, err := w.deps.Stores.ListActiveStores(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("list active stores: %w", err)
	}
	var out CycleResult
	crawled := 0
	for _, store := range stores {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if crawled > 0 && w.cfg.StoreDelay > 0 {
			if err := w.sleep(ctx, w.cfg.StoreDelay); err != nil {
				return out, err
			}
		}
		res := w.CrawlStore(ctx, store.ID)
		out.Results = append(out.Results, res)
		switch {
		case res.Skipped:
			out.Skipped++
		case res.Success:
			out.Succeeded++
			crawled++
		default:
			out.Failed++
			crawled++
		}
	}
	w.logger.Info("crawl cycle finished",
		zap.Int("stores", len(stores)),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("skipped", out.Skipped),
		zap.Int("failed", out.Failed),
	)
	return out, nil
}

// Shutdown releases every lock held by this worker.
func (w *Worker) Shutdown(ctx context.Context) error {
	n, err := w.deps.Locks.ReleaseAll(ctx, w.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("release worker locks: %w", err)
	}
	metrics.ObserveLock("released", n)
	w.logger.Info("worker locks released", zap.Int("count", n))
	return nil
}
