package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/storewatch/internal/clock/system"
	"github.com/JakeFAU/storewatch/internal/metrics"
)

// FullPageSize is the number of items on a full listing page. A shorter
// page is always the last one.
const FullPageSize = 240

// PaginatorConfig bounds one paginated crawl.
type PaginatorConfig struct {
	MaxPages    int           `mapstructure:"max_pages"`
	PageDelay   time.Duration `mapstructure:"page_delay"`
	DelayJitter time.Duration `mapstructure:"delay_jitter"`
}

// Paginator walks a store's listing pages sequentially.
type Paginator struct {
	fetcher   PageFetcher
	extractor Extractor
	cfg       PaginatorConfig
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewPaginator wires a fetcher and extractor under the given limits.
func NewPaginator(fetcher PageFetcher, extractor Extractor, cfg PaginatorConfig, logger *zap.Logger) *Paginator {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Paginator{
		fetcher:   fetcher,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
		sleep:     system.Sleep,
	}
}

// Crawl fetches pages 1..N and returns the listings keyed by external id.
// Any page failure aborts the whole crawl.
func (p *Paginator) Crawl(ctx context.Context, store Store) (CrawlPages, error) {
	out := CrawlPages{Listings: make(map[string]Listing)}
	for page := 1; page <= p.cfg.MaxPages; page++ {
		if page > 1 {
			if err := p.sleep(ctx, p.delay()); err != nil {
				return out, fmt.Errorf("page delay: %w", err)
			}
		}
		raw, err := p.fetcher.FetchPage(ctx, store.Name, page)
		if err != nil {
			if errors.Is(err, ErrChallengeDetected) {
				metrics.ObservePage("challenge")
			} else {
				metrics.ObservePage("error")
			}
			return out, &PageError{Page: page, Err: err}
		}
		metrics.ObservePage("ok")
		extracted, err := p.extractor.Extract(raw.HTML)
		if err != nil {
			return out, &PageError{Page: page, Err: fmt.Errorf("extract: %w", err)}
		}
		out.Pages = page
		out.Skipped += extracted.Skipped
		for _, l := range extracted.Listings {
			l.StoreID = store.ID
			if _, seen := out.Listings[l.ExternalID]; !seen {
				out.Listings[l.ExternalID] = l
			}
		}
		p.logger.Debug("listing page extracted",
			zap.String("store_id", store.ID),
			zap.Int("page", page),
			zap.Int("items", len(extracted.Listings)),
			zap.Int("skipped", extracted.Skipped),
			zap.Int("unique_total", len(out.Listings)),
		)
		if !ShouldContinue(extracted) {
			return out, nil
		}
	}
	p.logger.Warn("page cap reached",
		zap.String("store_id", store.ID),
		zap.Int("max_pages", p.cfg.MaxPages),
	)
	return out, nil
}

// ShouldContinue applies the stop rule: a short page is last, otherwise
// continue only when an enabled next control exists.
func ShouldContinue(page ExtractedPage) bool {
	if len(page.Listings) < FullPageSize {
		return false
	}
	return page.HasNext && !page.NextDisabled
}

func (p *Paginator) delay() time.Duration {
	d := p.cfg.PageDelay
	if p.cfg.DelayJitter > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(int64(p.cfg.DelayJitter))); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}
