// Package discovery implements the email discovery worker pool: it crawls
// candidate websites, extracts and ranks contact addresses, and persists
// the winners.
package discovery

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/leadharvest/harvester/internal/engine"
)

// emailPatterns are tried in order against page text. The obfuscated
// variants catch "name [at] domain [dot] com" style listings.
var emailPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`),
	regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+\s*\[at\]\s*[a-z0-9.\-]+\s*\[dot\]\s*[a-z]{2,}\b`),
	regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+\s*\(at\)\s*[a-z0-9.\-]+\s*\(dot\)\s*[a-z]{2,}\b`),
}

var wellFormed = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)

// Extractor pulls email candidates out of fetched pages and validates them
// against a denylist of placeholder patterns.
type Extractor struct {
	deny []string
}

// NewExtractor builds an Extractor; deny patterns are matched as
// case-insensitive substrings.
func NewExtractor(denyPatterns []string) *Extractor {
	deny := make([]string, 0, len(denyPatterns))
	for _, p := range denyPatterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			deny = append(deny, p)
		}
	}
	return &Extractor{deny: deny}
}

// Extract combines regex matching over the page body with mailto: harvesting
// from both the page's anchor tags and its collected link list. Results are
// lower-cased, deduplicated in discovery order, and filtered through
// IsValidEmail.
func (e *Extractor) Extract(page engine.Page) []engine.EmailCandidate {
	var raw []string
	for _, pattern := range emailPatterns {
		raw = append(raw, pattern.FindAllString(page.Body, -1)...)
	}
	raw = append(raw, mailtoAddresses(page.Body)...)
	for _, link := range page.Links {
		if addr, ok := mailtoTarget(link); ok {
			raw = append(raw, addr)
		}
	}

	seen := make(map[string]struct{}, len(raw))
	var out []engine.EmailCandidate
	for _, addr := range raw {
		addr = normalize(addr)
		if !e.IsValidEmail(addr) {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, engine.EmailCandidate{Address: addr, SourceURL: page.URL})
	}
	return out
}

// IsValidEmail reports whether s is a well-formed address that does not
// match any denylist pattern.
func (e *Extractor) IsValidEmail(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || len(s) > 254 || !wellFormed.MatchString(s) {
		return false
	}
	for _, p := range e.deny {
		if strings.Contains(s, p) {
			return false
		}
	}
	return true
}

// mailtoAddresses walks anchor tags in raw HTML looking for mailto targets.
// Regex matching already covers visible text; this catches addresses that
// appear only inside href attributes.
func mailtoAddresses(body string) []string {
	var out []string
	tokenizer := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			return out
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := tokenizer.TagName()
		if string(name) != "a" || !hasAttr {
			continue
		}
		for {
			key, val, more := tokenizer.TagAttr()
			if string(key) == "href" {
				if addr, ok := mailtoTarget(string(val)); ok {
					out = append(out, addr)
				}
			}
			if !more {
				break
			}
		}
	}
}

func mailtoTarget(link string) (string, bool) {
	if !strings.HasPrefix(strings.ToLower(link), "mailto:") {
		return "", false
	}
	addr := link[len("mailto:"):]
	if i := strings.IndexByte(addr, '?'); i >= 0 {
		addr = addr[:i]
	}
	if unescaped, err := url.QueryUnescape(addr); err == nil {
		addr = unescaped
	}
	return strings.TrimSpace(addr), addr != ""
}

// normalize lower-cases and de-obfuscates "[at]"/"(at)" style addresses.
func normalize(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	for obfuscated, plain := range map[string]string{
		"[at]": "@", "(at)": "@",
		"[dot]": ".", "(dot)": ".",
	} {
		addr = strings.ReplaceAll(addr, obfuscated, plain)
	}
	return strings.ReplaceAll(addr, " ", "")
}
