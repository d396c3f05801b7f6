package discovery

import (
	"sort"
	"strings"

	"github.com/leadharvest/harvester/internal/engine"
)

// goodLocalParts are address prefixes that usually reach a human inbox.
var goodLocalParts = []string{
	"contact", "info", "sales", "support", "hello", "office", "admin", "team",
}

// Rank orders candidates for persistence: addresses on the entity's own
// domain first, then addresses with a recognized local part, then the rest.
// Ties keep discovery order (stable sort). The input slice is not modified.
func Rank(candidates []engine.EmailCandidate, domain string) []engine.EmailCandidate {
	out := append([]engine.EmailCandidate(nil), candidates...)
	domain = strings.ToLower(strings.TrimSpace(domain))
	sort.SliceStable(out, func(i, j int) bool {
		return score(out[i].Address, domain) > score(out[j].Address, domain)
	})
	return out
}

func score(address, domain string) int {
	s := 0
	if domain != "" && strings.HasSuffix(address, "@"+domain) {
		s += 2
	}
	local, _, found := strings.Cut(address, "@")
	if found {
		for _, good := range goodLocalParts {
			if strings.HasPrefix(local, good) {
				s++
				break
			}
		}
	}
	return s
}
