package policy

import (
	"regexp"
	"strings"
	"sync"

	"mediagate/internal/snapshot"
)

// compiledURIRule caches the compiled regexp for a regex-type rule so the
// hot path never recompiles a pattern per request.
type compiledURIRule struct {
	rule    snapshot.URIRule
	matcher *regexp.Regexp // nil unless MatchType == "regex"
}

// uriMatcherCache memoizes compiled regexes across snapshot versions, since
// config reloads are far less frequent than requests and re-parsing the
// same pattern string every reload is wasted CPU under load.
type uriMatcherCache struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func newURIMatcherCache() *uriMatcherCache {
	return &uriMatcherCache{cache: make(map[string]*regexp.Regexp)}
}

func (c *uriMatcherCache) compile(rules []snapshot.URIRule) []compiledURIRule {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]compiledURIRule, len(rules))
	for i, r := range rules {
		cr := compiledURIRule{rule: r}
		if r.MatchType == "regex" {
			if re, ok := c.cache[r.Pattern]; ok {
				cr.matcher = re
			} else if re, err := regexp.Compile("(?i)" + r.Pattern); err == nil {
				c.cache[r.Pattern] = re
				cr.matcher = re
			}
		}
		out[i] = cr
	}
	return out
}

func (c compiledURIRule) matches(uri string) bool {
	switch c.rule.MatchType {
	case "regex":
		return c.matcher != nil && c.matcher.MatchString(uri)
	case "prefix":
		return strings.HasPrefix(uri, c.rule.Pattern)
	case "exact":
		return uri == c.rule.Pattern
	default:
		return false
	}
}

var fakeCountsURIRe = regexp.MustCompile(`(?i)(/items/counts(/|$)|/users/[^/]+/items/counts)`)

func isFakeCountsURI(uri string) bool {
	return fakeCountsURIRe.MatchString(uri)
}
