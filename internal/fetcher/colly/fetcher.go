// Package collyfetcher implements crawler.PageFetcher over plain HTTP using
// gocolly, for environments without a Chrome binary.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	SearchURLTemplate string
	UserAgent         string
	Timeout           time.Duration
	ExtraHeaders      map[string]string
}

// Fetcher implements crawler.PageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	detector      *crawler.ChallengeDetector
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, detector *crawler.ChallengeDetector) *Fetcher {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	if detector == nil {
		detector = crawler.NewChallengeDetector(nil, nil, nil)
	}
	return &Fetcher{
		cfg:           cfg,
		detector:      detector,
		baseCollector: c,
	}
}

// FetchPage executes a single HTTP GET for the listing page.
func (f *Fetcher) FetchPage(ctx context.Context, storeName string, page int) (crawler.Page, error) {
	target := crawler.SearchURL(f.cfg.SearchURLTemplate, storeName, page)
	var (
		result   crawler.Page
		fetchErr error
	)
	collector := f.buildCollector(page, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return crawler.Page{}, &crawler.NavigationError{URL: target, Err: err}
	}
	result.URL = target
	if f.detector.IsChallenge(result.FinalURL, result.Title, result.HTML) {
		return crawler.Page{}, fmt.Errorf("%s: %w", result.FinalURL, crawler.ErrChallengeDetected)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(page int, result *crawler.Page, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	f.configureCollectorHooks(collector, page, result, fetchErr)
	collector.OnHTML("title", func(e *colly.HTMLElement) {
		if result.Title == "" {
			result.Title = e.Text
		}
	})
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	page int,
	result *crawler.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, value := range f.cfg.ExtraHeaders {
			r.Headers.Set(key, value)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.Page{
			Number:   page,
			FinalURL: r.Request.URL.String(),
			HTML:     append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
