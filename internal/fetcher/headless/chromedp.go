// Package headless implements engine.PageFetcher with a real browser via
// chromedp, for sites that only render content with JavaScript.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/leadharvest/harvester/internal/engine"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher drives headless Chrome. One chromedp tab is opened per Fetch,
// bounded by MaxParallel.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// cookieBannerSelectors are tried in order after navigation; most consent
// banners match one of them.
var cookieBannerSelectors = []string{
	`button[aria-label="Accept all"]`,
	`button[aria-label="I agree"]`,
	`button[aria-label="Accept all cookies"]`,
	`button[id*="accept"]`,
	`button[class*="accept"]`,
}

// New creates a headless fetcher backed by chromedp.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("disable-notifications", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser and returns the fully rendered
// DOM plus anchor hrefs (mailto: links included).
func (f *Fetcher) Fetch(ctx context.Context, url string) (engine.Page, error) {
	if err := f.acquire(ctx); err != nil {
		return engine.Page{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, links, err := f.runBrowser(taskCtx, url)
	if err != nil {
		if ctx.Err() != nil {
			return engine.Page{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return engine.Page{}, fmt.Errorf("headless fetch %s: %w: %v", url, engine.ErrTransient, err)
	}

	status, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	if blockErr := engine.BlockStatus(status); blockErr != nil {
		return engine.Page{}, fmt.Errorf("headless fetch %s: %w", url, blockErr)
	}

	return engine.Page{
		URL:        responseURL,
		StatusCode: status,
		Body:       html,
		Links:      links,
		Duration:   time.Since(start),
		Rendered:   true,
	}, nil
}

func (f *Fetcher) runBrowser(ctx context.Context, url string) (string, string, []string, error) {
	var (
		html     string
		finalURL string
		links    []string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		f.acceptCookieBannerAction(),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(collectLinksJS, &links),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", nil, fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, links, nil
}

// collectLinksJS gathers every anchor href, keeping mailto: targets as-is.
const collectLinksJS = `(function() {
	const out = [];
	for (const a of document.querySelectorAll('a[href]')) {
		const href = a.href || a.getAttribute('href');
		if (href) { out.push(href); }
	}
	return out;
})()`

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// acceptCookieBannerAction clicks the first matching consent button. A
// missing banner is not an error.
func (f *Fetcher) acceptCookieBannerAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, sel := range cookieBannerSelectors {
			clickCtx, cancel := context.WithTimeout(ctx, time.Second)
			err := chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible).Do(clickCtx)
			cancel()
			if err == nil {
				// Give the overlay time to dismiss.
				return chromedp.Sleep(500 * time.Millisecond).Do(ctx)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

// LooksBlocked inspects a rendered body for block-page markers that arrive
// with a 200 status (interstitial CAPTCHA pages mostly do).
func LooksBlocked(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{"captcha", "unusual traffic", "are you a robot"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
