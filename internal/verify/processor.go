package verify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/storewatch/internal/clock/system"
	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/metrics"
)

// Options bound a batch verification run.
type Options struct {
	BatchSize   int           `mapstructure:"batch_size"`
	Delay       time.Duration `mapstructure:"delay"`
	Window      time.Duration `mapstructure:"window"`
	Concurrency int           `mapstructure:"concurrency"`
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Window <= 0 {
		o.Window = 7 * 24 * time.Hour
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	return o
}

// BatchResult aggregates one processing run.
type BatchResult struct {
	Processed  int                                `json:"processed"`
	Successful int                                `json:"successful"`
	Failed     int                                `json:"failed"`
	Batches    int                                `json:"batches"`
	Outcomes   map[crawler.VerificationStatus]int `json:"outcomes"`
	SoldIDs    []string                           `json:"sold_ids"`
}

func (r *BatchResult) merge(other BatchResult) {
	r.Processed += other.Processed
	r.Successful += other.Successful
	r.Failed += other.Failed
	r.Batches += other.Batches
	if r.Outcomes == nil {
		r.Outcomes = make(map[crawler.VerificationStatus]int)
	}
	for k, v := range other.Outcomes {
		r.Outcomes[k] += v
	}
	r.SoldIDs = append(r.SoldIDs, other.SoldIDs...)
}

// Processor runs verification over batches of listings.
type Processor struct {
	service  *Service
	listings crawler.ListingRepository
	notifier crawler.Notifier
	clock    crawler.Clock
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewProcessor wires a Processor. notifier may be nil.
func NewProcessor(service *Service, listings crawler.ListingRepository, notifier crawler.Notifier, clock crawler.Clock, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		service:  service,
		listings: listings,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		sleep:    system.Sleep,
	}
}

// ProcessPending verifies PENDING listings detected within the window,
// batch after batch, until a fetch returns no rows that were not already
// attempted. Rows that stay pending after an attempt are skipped for the
// rest of the run, and later rows are still reached.
func (p *Processor) ProcessPending(ctx context.Context, opts Options) (BatchResult, error) {
	opts = opts.withDefaults()
	total := BatchResult{Outcomes: make(map[crawler.VerificationStatus]int)}
	attempted := make(map[string]struct{})

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		since := p.clock.Now().Add(-opts.Window)
		// Over-fetch by the rows already attempted so stuck rows never hide
		// the ones behind them.
		rows, err := p.listings.ListPending(ctx, since, opts.BatchSize+len(attempted))
		if err != nil {
			return total, fmt.Errorf("list pending: %w", err)
		}

		fresh := make([]crawler.Listing, 0, opts.BatchSize)
		for _, l := range rows {
			if len(fresh) == opts.BatchSize {
				break
			}
			if _, seen := attempted[l.ExternalID]; !seen {
				attempted[l.ExternalID] = struct{}{}
				fresh = append(fresh, l)
			}
		}
		if len(fresh) == 0 {
			if len(rows) > 0 {
				p.logger.Warn("pending rows left unresolved this run", zap.Int("rows", len(rows)))
			}
			break
		}

		total.merge(p.runBatch(ctx, fresh, opts.Concurrency))

		if opts.Delay > 0 {
			if err := p.sleep(ctx, opts.Delay); err != nil {
				return total, err
			}
		}
	}

	p.logger.Info("pending verification finished",
		zap.Int("processed", total.Processed),
		zap.Int("successful", total.Successful),
		zap.Int("failed", total.Failed),
		zap.Int("sold", len(total.SoldIDs)),
	)
	return total, nil
}

// RetryErrored resubmits one bounded batch of ERROR listings last verified
// more than olderThan ago.
func (p *Processor) RetryErrored(ctx context.Context, olderThan time.Duration, limit, concurrency int) (BatchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	cutoff := p.clock.Now().Add(-olderThan)
	rows, err := p.listings.ListErrored(ctx, cutoff, limit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list errored: %w", err)
	}
	if len(rows) == 0 {
		return BatchResult{Outcomes: make(map[crawler.VerificationStatus]int)}, nil
	}
	res := p.runBatch(ctx, rows, concurrency)
	p.logger.Info("error retry finished",
		zap.Int("processed", res.Processed),
		zap.Int("successful", res.Successful),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// Stats counts listings per verification status, with zero entries for
// statuses that have no rows.
func (p *Processor) Stats(ctx context.Context) (map[crawler.VerificationStatus]int, error) {
	counts, err := p.listings.CountByVerificationStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count verification statuses: %w", err)
	}
	out := make(map[crawler.VerificationStatus]int, len(crawler.AllVerificationStatuses))
	for _, s := range crawler.AllVerificationStatuses {
		out[s] = counts[s]
	}
	return out, nil
}

type itemOutcome struct {
	listing crawler.Listing
	result  Result
	sold    bool
	err     error
}

// runBatch verifies rows concurrently. Every item records its own outcome
// and no failure cancels its siblings.
func (p *Processor) runBatch(ctx context.Context, rows []crawler.Listing, concurrency int) BatchResult {
	outcomes := make([]itemOutcome, len(rows))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, l := range rows {
		g.Go(func() error {
			res := p.service.Verify(ctx, l.ExternalID)
			sold, err := p.service.Apply(ctx, l, res)
			outcomes[i] = itemOutcome{listing: l, result: res, sold: sold, err: err}
			return nil
		})
	}
	_ = g.Wait()

	out := BatchResult{Batches: 1, Outcomes: make(map[crawler.VerificationStatus]int)}
	soldByStore := make(map[string][]string)
	for _, o := range outcomes {
		out.Processed++
		out.Outcomes[o.result.Status]++
		switch {
		case o.err != nil:
			out.Failed++
			p.logger.Warn("apply verification failed",
				zap.String("item_id", o.listing.ExternalID),
				zap.Error(o.err))
		case o.result.Status == crawler.VerificationError:
			out.Failed++
			p.logger.Warn("verification error",
				zap.String("item_id", o.listing.ExternalID),
				zap.Error(o.result.Err))
		default:
			out.Successful++
		}
		if o.sold && o.err == nil {
			out.SoldIDs = append(out.SoldIDs, o.listing.ExternalID)
			soldByStore[o.listing.StoreID] = append(soldByStore[o.listing.StoreID], o.listing.ExternalID)
		}
	}
	p.notifySold(ctx, soldByStore)
	return out
}

func (p *Processor) notifySold(ctx context.Context, soldByStore map[string][]string) {
	if p.notifier == nil || len(soldByStore) == 0 {
		return
	}
	stores := make([]string, 0, len(soldByStore))
	for id := range soldByStore {
		stores = append(stores, id)
	}
	sort.Strings(stores)
	for _, storeID := range stores {
		n := crawler.Notification{SoldItemIDs: soldByStore[storeID]}
		if err := p.notifier.Notify(ctx, storeID, n); err != nil {
			metrics.ObserveNotification("error")
			p.logger.Warn("sold notification failed",
				zap.String("store_id", storeID),
				zap.Error(err))
			continue
		}
		metrics.ObserveNotification("sent")
	}
}
