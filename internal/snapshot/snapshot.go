// Package snapshot holds the current policy configuration as a single
// versioned value, replaced atomically by the background agent and read
// lock-free by every request on the hot path. Readers never observe a
// mixture of old and new fields.
package snapshot

import "sync/atomic"

// URIRule is one entry in the skip or block list (spec §3 "URI rule").
type URIRule struct {
	Pattern   string
	MatchType string // "regex", "prefix", "exact"
}

// RateLimitRule mirrors the "Rate-limit rule" data model entry.
type RateLimitRule struct {
	ID              string
	ApplyTo         string // "ip", "user", "device", "global"
	ApplyValue      string // literal value, or "*"/"" for wildcard
	RatePerSecond   float64
	RateBurst       int
	RatePerMinute   int
	OverAction      string // "reject", "throttle"
	ThrottleRateBPS int64
}

// RateLimitConfig bundles the rate-limit rules pulled from the control plane.
// The agent writes enforcement directives to the store (enforce:* keys) and
// does not fill Enforcements.
type RateLimitConfig struct {
	Rules        []RateLimitRule
	Enforcements []Enforcement
}

// Enforcement mirrors the "Enforcement directive" data model entry.
type Enforcement struct {
	Dimension       string // "ip", "user", "device"
	DimensionValue  string
	Action          string // "reject", "throttle"
	Reason          string
	ThrottleRateBPS int64
	EffectiveUntil  string // ISO-8601, empty if not bounded
}

// WhitelistConfig holds the client whitelist and minimum-version table for
// stage 8 of the access pipeline.
type WhitelistConfig struct {
	Enabled     bool
	Clients     map[string]struct{}
	MinVersions map[string]string
	DenyMessage string
}

// FakeCountsConfig configures stage 9's response interception.
type FakeCountsConfig struct {
	Enabled bool
	Value   int
}

// Config is the full policy snapshot (spec §3 "Config snapshot"), version
// bumped on every replacement.
type Config struct {
	Version         int64
	ServiceType     string
	SkipList        []URIRule
	BlockList       []URIRule
	RateLimit       RateLimitConfig
	Whitelist       WhitelistConfig
	FakeCounts      FakeCountsConfig
	MaxStreams      int
	DenyBodyText    string
	UpstreamBaseURL string
}

// Store holds the single current Config, swapped atomically. The zero value
// is ready to use and starts with no snapshot (nil), meaning callers must
// fail open per spec invariant 1.
type Store struct {
	current atomic.Pointer[Config]
}

// New returns an empty Store (no snapshot loaded yet).
func New() *Store {
	return &Store{}
}

// Load returns the current snapshot, or nil if none has been applied yet.
func (s *Store) Load() *Config {
	return s.current.Load()
}

// Replace atomically installs a new snapshot. It does not compare versions:
// the config-pull loop replaces whenever the control plane reports an update
// or a higher version, and the rate-limit refresh re-installs the current
// version with new rules.
func (s *Store) Replace(cfg *Config) {
	s.current.Store(cfg)
}

// VersionAtLeast reports whether the currently loaded snapshot's version is
// already >= v.
func (s *Store) VersionAtLeast(v int64) bool {
	cur := s.current.Load()
	return cur != nil && cur.Version >= v
}
