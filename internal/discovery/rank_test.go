package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leadharvest/harvester/internal/engine"
)

func candidates(addrs ...string) []engine.EmailCandidate {
	out := make([]engine.EmailCandidate, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, engine.EmailCandidate{Address: a})
	}
	return out
}

func TestRankDomainMatchesFirst(t *testing.T) {
	t.Parallel()

	got := Rank(candidates(
		"personal@gmail.com",
		"owner@acme.io",
		"info@gmail.com",
		"whatever@acme.io",
	), "acme.io")

	require.Equal(t, "owner@acme.io", got[0].Address)
	require.Equal(t, "whatever@acme.io", got[1].Address)
	// Non-matching candidates keep relative order except for good local parts.
	require.Equal(t, "info@gmail.com", got[2].Address)
	require.Equal(t, "personal@gmail.com", got[3].Address)
}

func TestRankGoodLocalPartBreaksTies(t *testing.T) {
	t.Parallel()

	got := Rank(candidates(
		"zed@acme.io",
		"contact@acme.io",
	), "acme.io")
	require.Equal(t, "contact@acme.io", got[0].Address)
	require.Equal(t, "zed@acme.io", got[1].Address)
}

func TestRankIsStable(t *testing.T) {
	t.Parallel()

	in := candidates("a@other.com", "b@other.com", "c@other.com")
	got := Rank(in, "acme.io")
	require.Equal(t, in, got)

	// Input slice is untouched.
	got2 := Rank(candidates("x@acme.io", "a@other.com"), "")
	require.Equal(t, "x@acme.io", got2[0].Address)
}

func TestRankEmptyDomain(t *testing.T) {
	t.Parallel()

	got := Rank(candidates("someone@foo.com", "sales@bar.com"), "")
	require.Equal(t, "sales@bar.com", got[0].Address)
}
