// Package redaction strips Emby/Jellyfin credentials out of a request URI
// before it is written to telemetry or the denial ledger. Emby's own auth
// scheme carries the API key (and sometimes a bearer/JWT access token) as a
// query-string value, not just a header, so a raw URI is not safe to store
// verbatim.
package redaction

import (
	"regexp"
	"sync"
)

// Pattern is one regex-plus-replacement redaction rule.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// DefaultPatterns returns the patterns that matter for this domain: Emby's
// query-string api_key/token parameters and bearer/JWT access tokens.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "emby_query_credential",
			Regex:       regexp.MustCompile(`(?i)([?&](?:api_key|token)=)([a-zA-Z0-9_-]{8,})`),
			Replacement: "$1[REDACTED]",
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_.-]{20,})`),
			Replacement: "$1[REDACTED_TOKEN]",
		},
		{
			Name:        "jwt_token",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[REDACTED_JWT]",
		},
	}
}

// PatternRedactor redacts credentials out of a string by running an
// ordered list of regex patterns over it.
type PatternRedactor struct {
	mu       sync.RWMutex
	patterns []Pattern
	enabled  bool
}

// NewPatternRedactor builds a PatternRedactor with DefaultPatterns, enabled.
func NewPatternRedactor() *PatternRedactor {
	return &PatternRedactor{
		patterns: DefaultPatterns(),
		enabled:  true,
	}
}

// Redact applies every pattern to content in order.
func (r *PatternRedactor) Redact(content string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.enabled {
		return content
	}

	result := content
	for _, pattern := range r.patterns {
		result = pattern.Regex.ReplaceAllString(result, pattern.Replacement)
	}
	return result
}
