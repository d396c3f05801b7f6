// Package scraper implements the search-side Scraper strategy: it turns a
// task's search term into a result-page fetch and extracts business
// entities from the returned HTML.
package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/leadharvest/harvester/internal/engine"
	"github.com/leadharvest/harvester/internal/metrics"
)

// Guard is the pacing and block-tracking surface the scraper needs.
type Guard interface {
	Wait(ctx context.Context, rawURL string) error
	RegisterFailure(site string, err error)
	RegisterSuccess()
	RotateIfNeeded(ctx context.Context) error
}

// SkipMatcher filters result links that can never be a business's own site.
type SkipMatcher interface {
	Skip(rawURL string) bool
}

// Config controls the search scraper.
type Config struct {
	// SearchURL is a template with a %s verb for the escaped query.
	// Defaults to the DuckDuckGo HTML endpoint, which serves static markup.
	SearchURL string
	// MaxResults caps entities per task when the task itself does not.
	MaxResults int
}

// Deps carries the scraper's collaborators. Guard and Skip are optional.
type Deps struct {
	Fetcher engine.PageFetcher
	Guard   Guard
	Skip    SkipMatcher
	IDs     engine.IDGenerator
	Clock   engine.Clock
	Logger  *zap.Logger
}

// Scraper fetches one search-result page per task and maps result anchors
// to entities, deduplicated by domain.
type Scraper struct {
	cfg     Config
	fetcher engine.PageFetcher
	guard   Guard
	skip    SkipMatcher
	ids     engine.IDGenerator
	clock   engine.Clock
	logger  *zap.Logger
}

// New builds a Scraper.
func New(cfg Config, deps Deps) (*Scraper, error) {
	if deps.Fetcher == nil || deps.IDs == nil || deps.Clock == nil {
		return nil, fmt.Errorf("fetcher, id generator, and clock are required")
	}
	if cfg.SearchURL == "" {
		cfg.SearchURL = "https://html.duckduckgo.com/html/?q=%s"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{
		cfg:     cfg,
		fetcher: deps.Fetcher,
		guard:   deps.Guard,
		skip:    deps.Skip,
		ids:     deps.IDs,
		clock:   deps.Clock,
		logger:  logger.Named("scraper"),
	}, nil
}

// Scrape runs a single search for the task and returns the extracted
// entities. Block signals are registered with the guard before returning,
// so a streak of blocked searches still triggers rotation.
func (s *Scraper) Scrape(ctx context.Context, task engine.Task) ([]engine.Entity, error) {
	query := task.SearchTerm
	if task.Params.City != "" && !strings.Contains(query, task.Params.City) {
		query = fmt.Sprintf("%s in %s, %s", query, task.Params.City, task.Params.State)
	}
	searchURL := fmt.Sprintf(s.cfg.SearchURL, url.QueryEscape(query))

	if s.guard != nil {
		if err := s.guard.Wait(ctx, searchURL); err != nil {
			return nil, err
		}
	}
	page, err := s.fetcher.Fetch(ctx, searchURL)
	if err != nil {
		if s.guard != nil {
			s.guard.RegisterFailure(metrics.SanitizeSite(searchURL), err)
			if rotErr := s.guard.RotateIfNeeded(ctx); rotErr != nil {
				s.logger.Warn("rotation after search failure failed", zap.Error(rotErr))
			}
		}
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	if s.guard != nil {
		s.guard.RegisterSuccess()
	}
	metrics.ObserveFetch(metrics.SanitizeSite(searchURL), page.Duration)

	limit := task.Params.MaxResults
	if limit <= 0 || limit > s.cfg.MaxResults {
		limit = s.cfg.MaxResults
	}
	entities, err := s.extract(page, task, limit)
	if err != nil {
		return nil, err
	}
	s.logger.Info("search scraped",
		zap.String("task_id", task.ID),
		zap.String("query", query),
		zap.Int("entities", len(entities)),
	)
	return entities, nil
}

// extract walks result anchors and keeps the first link per external
// domain, using the anchor text as the entity name.
func (s *Scraper) extract(page engine.Page, task engine.Task, limit int) ([]engine.Entity, error) {
	var entities []engine.Entity
	seen := make(map[string]struct{})
	now := s.clock.Now()

	searchHost := hostOf(page.URL)
	tokenizer := html.NewTokenizer(strings.NewReader(page.Body))
	for len(entities) < limit {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken {
			continue
		}
		tok := tokenizer.Token()
		if tok.Data != "a" {
			continue
		}
		href := attr(tok, "href")
		target := resolveResult(href)
		if target == "" {
			continue
		}
		domain := hostOf(target)
		if domain == "" || domain == searchHost {
			continue
		}
		if s.skip != nil && s.skip.Skip(target) {
			continue
		}
		if _, dup := seen[domain]; dup {
			continue
		}
		name := anchorText(tokenizer)
		if name == "" {
			continue
		}
		seen[domain] = struct{}{}

		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate entity id: %w", err)
		}
		entities = append(entities, engine.Entity{
			ID:        id,
			TaskID:    task.ID,
			Name:      name,
			Website:   target,
			Domain:    domain,
			ScrapedAt: now,
		})
	}
	return entities, nil
}

// resolveResult normalizes a result href. Redirect-style links carry the
// destination in a uddg query parameter; anything that is not an absolute
// http(s) URL after unwrapping is dropped.
func resolveResult(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if wrapped := u.Query().Get("uddg"); wrapped != "" {
		if dest, err := url.QueryUnescape(wrapped); err == nil {
			href = dest
			if u, err = url.Parse(href); err != nil {
				return ""
			}
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Hostname() == "" {
		return ""
	}
	return u.String()
}

// anchorText collects the text content up to the matching closing tag.
func anchorText(tokenizer *html.Tokenizer) string {
	var b strings.Builder
	for depth := 1; depth > 0; {
		switch tokenizer.Next() {
		case html.ErrorToken:
			depth = 0
		case html.TextToken:
			b.WriteString(string(tokenizer.Text()))
		case html.StartTagToken:
			depth++
		case html.EndTagToken:
			depth--
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
