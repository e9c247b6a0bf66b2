package policy

import (
	"testing"

	"mediagate/internal/snapshot"
)

func TestURIMatcherCache_Prefix(t *testing.T) {
	c := newURIMatcherCache()
	rules := c.compile([]snapshot.URIRule{{Pattern: "/Videos/", MatchType: "prefix"}})
	if !rules[0].matches("/Videos/abc/stream") {
		t.Error("expected prefix match")
	}
	if rules[0].matches("/Audio/abc") {
		t.Error("expected no match")
	}
}

func TestURIMatcherCache_Exact(t *testing.T) {
	c := newURIMatcherCache()
	rules := c.compile([]snapshot.URIRule{{Pattern: "/health", MatchType: "exact"}})
	if !rules[0].matches("/health") {
		t.Error("expected exact match")
	}
	if rules[0].matches("/health/") {
		t.Error("expected no match on trailing slash")
	}
}

func TestURIMatcherCache_RegexCaseInsensitive(t *testing.T) {
	c := newURIMatcherCache()
	rules := c.compile([]snapshot.URIRule{{Pattern: `^/items/counts`, MatchType: "regex"}})
	if !rules[0].matches("/Items/Counts") {
		t.Error("expected case-insensitive regex match")
	}
}

func TestIsFakeCountsURI(t *testing.T) {
	cases := map[string]bool{
		"/Items/Counts":              true,
		"/items/counts/":             true,
		"/Users/abc123/Items/Counts": true,
		"/Items/Countsxyz":           false,
		"/Videos/abc/stream":         false,
	}
	for uri, want := range cases {
		if got := isFakeCountsURI(uri); got != want {
			t.Errorf("isFakeCountsURI(%q) = %v, want %v", uri, got, want)
		}
	}
}
