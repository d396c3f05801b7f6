// Package collyfetcher implements engine.PageFetcher using gocolly for
// cheap static-HTML probes.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/leadharvest/harvester/internal/engine"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher fetches pages with a Colly collector. It never executes
// JavaScript; callers needing a rendered DOM promote to the headless
// fetcher.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET and collects the body plus outbound
// links (including mailto: anchors). Block-indicative statuses surface as
// engine.ErrBlockDetected; other request failures as engine.ErrTransient.
func (f *Fetcher) Fetch(ctx context.Context, url string) (engine.Page, error) {
	var (
		page     engine.Page
		fetchErr error
		status   int
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		page = engine.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       string(r.Body),
			Duration:   time.Since(start),
		}
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := strings.TrimSpace(e.Attr("href"))
		if href == "" {
			return
		}
		if strings.HasPrefix(strings.ToLower(href), "mailto:") {
			page.Links = append(page.Links, href)
			return
		}
		if abs := e.Request.AbsoluteURL(href); abs != "" {
			page.Links = append(page.Links, abs)
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	var visitErr error
	select {
	case <-ctx.Done():
		return engine.Page{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case visitErr = <-done:
	}

	if blockErr := engine.BlockStatus(status); blockErr != nil {
		return engine.Page{}, fmt.Errorf("fetch %s: %w", url, blockErr)
	}
	if fetchErr != nil {
		return engine.Page{}, fmt.Errorf("fetch %s: %w: %v", url, engine.ErrTransient, fetchErr)
	}
	if visitErr != nil {
		return engine.Page{}, fmt.Errorf("fetch %s: %w: %v", url, engine.ErrTransient, visitErr)
	}
	return page, nil
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
