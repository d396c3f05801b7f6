package discovery

import (
	"net/url"
	"strings"
)

// SkipMatcher recognizes social networks and aggregators whose pages never
// carry a business's own contact address.
type SkipMatcher struct {
	domains []string
}

// NewSkipMatcher builds a matcher over the configured domain list.
func NewSkipMatcher(domains []string) *SkipMatcher {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "www."))
		if d != "" {
			out = append(out, d)
		}
	}
	return &SkipMatcher{domains: out}
}

// Skip reports whether rawURL points at a skip-listed domain or one of its
// subdomains.
func (m *SkipMatcher) Skip(rawURL string) bool {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	for _, d := range m.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
