// Package headless contains the browser-backed listing page fetcher.
package headless

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

// maskWebdriver hides the automation flag from page scripts.
const maskWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
window.chrome = window.chrome || { runtime: {} };
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});`

// Config controls the behavior of the headless fetcher.
type Config struct {
	SearchURLTemplate string
	UserAgent         string
	Headless          bool
	ExecPath          string
	WaitSelector      string
	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	BlockedResources  []string
	ExtraHeaders      map[string]string
	LaunchAttempts    int
	LaunchBackoff     time.Duration
}

type browser struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Fetcher implements crawler.PageFetcher using chromedp and headless Chrome.
// One browser is shared across pages and relaunched after navigation failures.
type Fetcher struct {
	cfg       Config
	detector  *crawler.ChallengeDetector
	retry     crawler.RetryPolicy
	artifacts crawler.ArtifactStore
	logger    *zap.Logger

	mu      sync.Mutex
	current *browser
	launch  func() (*browser, error)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithArtifacts stores the HTML of challenge pages for later inspection.
func WithArtifacts(store crawler.ArtifactStore) Option {
	return func(f *Fetcher) { f.artifacts = store }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewChromedp creates a headless fetcher backed by chromedp. The browser is
// launched lazily on the first fetch.
func NewChromedp(cfg Config, detector *crawler.ChallengeDetector, opts ...Option) (*Fetcher, error) {
	if cfg.LaunchAttempts < 0 {
		return nil, fmt.Errorf("launch attempts must be >= 0")
	}
	if cfg.LaunchAttempts == 0 {
		cfg.LaunchAttempts = 3
	}
	if cfg.LaunchBackoff <= 0 {
		cfg.LaunchBackoff = 2 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "li.s-item"
	}
	if cfg.BlockedResources == nil {
		cfg.BlockedResources = []string{string(network.ResourceTypeFont), string(network.ResourceTypeMedia)}
	}
	if detector == nil {
		detector = crawler.NewChallengeDetector(nil, nil, nil)
	}
	f := &Fetcher{
		cfg:      cfg,
		detector: detector,
		retry:    crawler.NewRetryPolicy(cfg.LaunchAttempts, crawler.LinearBackoff(cfg.LaunchBackoff), nil),
		logger:   zap.NewNop(),
	}
	f.launch = f.launchChrome
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropLocked()
}

// FetchPage loads one listing page and returns its rendered DOM.
func (f *Fetcher) FetchPage(ctx context.Context, storeName string, pageNum int) (crawler.Page, error) {
	b, err := f.ensureBrowser(ctx)
	if err != nil {
		return crawler.Page{}, err
	}
	target := crawler.SearchURL(f.cfg.SearchURLTemplate, storeName, pageNum)

	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	f.blockResources(tabCtx)

	navCtx, navCancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer navCancel()
	if err := chromedp.Run(navCtx, f.setupAction(), chromedp.Navigate(target)); err != nil {
		f.reset()
		return crawler.Page{}, &crawler.NavigationError{URL: target, Err: err}
	}

	waitCtx, waitCancel := context.WithTimeout(tabCtx, f.elementTimeout())
	err = chromedp.Run(waitCtx, chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery))
	waitCancel()
	if err != nil {
		if ctx.Err() != nil {
			return crawler.Page{}, fmt.Errorf("wait for listings: %w", ctx.Err())
		}
		f.logger.Warn("listing container did not render",
			zap.String("url", target),
			zap.Error(errors.Join(crawler.ErrElementTimeout, err)),
		)
	}

	var (
		html     string
		finalURL string
		title    string
	)
	readCtx, readCancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer readCancel()
	if err := chromedp.Run(readCtx,
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		f.reset()
		return crawler.Page{}, &crawler.NavigationError{URL: target, Err: err}
	}

	result := crawler.Page{
		Number:   pageNum,
		URL:      target,
		FinalURL: finalURL,
		Title:    title,
		HTML:     []byte(html),
	}
	if f.detector.IsChallenge(finalURL, title, result.HTML) {
		f.captureChallenge(ctx, storeName, result)
		return crawler.Page{}, fmt.Errorf("%s: %w", finalURL, crawler.ErrChallengeDetected)
	}
	return result, nil
}

func (f *Fetcher) ensureBrowser(ctx context.Context) (*browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		return f.current, nil
	}
	b, attempts, err := crawler.Retry(ctx, f.retry, func(_ context.Context, attempt int) (*browser, error) {
		b, err := f.launch()
		if err != nil {
			f.logger.Warn("browser launch failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return b, err
	})
	if err != nil {
		return nil, &crawler.BrowserLaunchError{Attempts: attempts, Err: err}
	}
	f.current = b
	return b, nil
}

func (f *Fetcher) launchChrome() (*browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &browser{
		ctx: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}, nil
}

func (f *Fetcher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropLocked()
}

func (f *Fetcher) dropLocked() {
	if f.current == nil {
		return
	}
	f.current.cancel()
	f.current = nil
}

func (f *Fetcher) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if patterns := blockPatterns(f.cfg.BlockedResources); len(patterns) > 0 {
			if err := fetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(maskWebdriver).Do(ctx); err != nil {
			return fmt.Errorf("inject webdriver mask: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.ExtraHeaders) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.ExtraHeaders)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// blockResources fails paused requests for blocked resource types.
func (f *Fetcher) blockResources(tabCtx context.Context) {
	blocked := blockSet(f.cfg.BlockedResources)
	if len(blocked) == 0 {
		return
	}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(tabCtx)
			if c == nil || c.Target == nil {
				return
			}
			exec := cdp.WithExecutor(tabCtx, c.Target)
			var err error
			if blocked[paused.ResourceType] {
				err = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(exec)
			} else {
				err = fetch.ContinueRequest(paused.RequestID).Do(exec)
			}
			if err != nil && tabCtx.Err() == nil {
				f.logger.Debug("paused request handling failed", zap.Error(err))
			}
		}()
	})
}

func (f *Fetcher) captureChallenge(ctx context.Context, storeName string, p crawler.Page) {
	if f.artifacts == nil {
		return
	}
	path := fmt.Sprintf("challenges/%s/%s-p%d.html", storeName, time.Now().UTC().Format("20060102T150405Z"), p.Number)
	uri, err := f.artifacts.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(p.HTML))
	if err != nil {
		f.logger.Warn("challenge capture failed", zap.String("store", storeName), zap.Error(err))
		return
	}
	f.logger.Info("challenge page captured", zap.String("store", storeName), zap.String("uri", uri))
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func (f *Fetcher) elementTimeout() time.Duration {
	if f.cfg.ElementTimeout > 0 {
		return f.cfg.ElementTimeout
	}
	return 15 * time.Second
}

func blockSet(types []string) map[network.ResourceType]bool {
	out := make(map[network.ResourceType]bool, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t != "" {
			out[network.ResourceType(t)] = true
		}
	}
	return out
}

func blockPatterns(types []string) []*fetch.RequestPattern {
	set := blockSet(types)
	patterns := make([]*fetch.RequestPattern, 0, len(set))
	for _, t := range types {
		rt := network.ResourceType(strings.TrimSpace(t))
		if !set[rt] {
			continue
		}
		delete(set, rt)
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern:   "*",
			ResourceType: rt,
			RequestStage: fetch.RequestStageRequest,
		})
	}
	return patterns
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}
