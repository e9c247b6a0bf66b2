package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"mediagate/internal/identity"
	"mediagate/internal/snapshot"
	"mediagate/internal/store"
)

// Engine evaluates the 9-stage access pipeline against each request. It
// holds no per-request state; everything it needs is either passed in
// (the request, the snapshot) or reached through the store client.
type Engine struct {
	store     *store.Client
	snapshots *snapshot.Store
	uriCache  *uriMatcherCache
	auditMode atomic.Bool
}

// NewEngine builds a pipeline bound to the given store client and snapshot
// holder. Both must outlive the engine.
func NewEngine(s *store.Client, snapshots *snapshot.Store) *Engine {
	return &Engine{store: s, snapshots: snapshots, uriCache: newURIMatcherCache()}
}

// SetAuditMode toggles audit mode at runtime (mirrors the teacher's
// PolicyConfig.Mode field): when on, the pipeline runs as usual up to the
// first stage that would deny; that denial is logged and the request is
// allowed through. Stages after the denying one are not evaluated.
// Used to roll out new URI/rate-limit rules without enforcing them yet.
func (e *Engine) SetAuditMode(on bool) {
	e.auditMode.Store(on)
}

// AuditMode reports whether audit mode is currently enabled.
func (e *Engine) AuditMode() bool {
	return e.auditMode.Load()
}

// Evaluate runs stages 1 through 9 against r. Per spec invariant 1: if no
// config snapshot has been loaded yet, the pipeline allows through
// (cold-start fail-open) without running any further stage.
func (e *Engine) Evaluate(ctx context.Context, r *http.Request) *Decision {
	d := e.evaluate(ctx, r)
	if e.auditMode.Load() && d.Outcome == OutcomeDeny {
		slog.Warn("policy audit: would deny", "uri", d.Fingerprint.URI, "reason", d.Reason, "user_id", d.Fingerprint.UserID, "client_ip", d.Fingerprint.ClientIP)
		return allow(d.Fingerprint)
	}
	return d
}

func (e *Engine) evaluate(ctx context.Context, r *http.Request) *Decision {
	cfg := e.snapshots.Load()
	if cfg == nil {
		return &Decision{Outcome: OutcomeAllow}
	}

	uri := r.URL.Path

	// Stage 1: URI skip.
	for _, cr := range e.uriCache.compile(cfg.SkipList) {
		if cr.matches(uri) {
			return &Decision{Outcome: OutcomeAllow}
		}
	}

	// Stage 2: URI block.
	for _, cr := range e.uriCache.compile(cfg.BlockList) {
		if cr.matches(uri) {
			body := cfg.DenyBodyText
			if body == "" {
				body = "forbidden"
			}
			return deny(identity.Fingerprint{URI: uri, Method: r.Method}, http.StatusForbidden, "uri_blocked", body)
		}
	}

	// Stage 3: identity resolution + back-fill. The fingerprint is carried
	// in every Decision returned from this point on, regardless of outcome,
	// so the log-phase recorder always has it.
	fp := identity.Extract(r)
	identity.Backfill(ctx, e.store, &fp)

	// Stage 4: enforcement directives.
	enf := checkEnforcement(ctx, e.store, &fp)
	if enf.denied {
		return deny(fp, http.StatusForbidden, "enforcement_reject", enf.reason)
	}
	throttleBPS := enf.throttleRateBPS

	// Stage 5: rate limiting.
	rl := evaluateRateLimits(ctx, e.store, cfg.RateLimit.Rules, &fp)
	if rl.denied {
		return deny(fp, rl.httpStatus, rl.reason, "rate limit exceeded")
	}
	if rl.throttleRateBPS > 0 {
		throttleBPS = rl.throttleRateBPS
	}

	// Stage 6: quota remaining mirrors.
	if checkQuotaRemaining(ctx, e.store, &fp).denied {
		return deny(fp, http.StatusTooManyRequests, "quota_exhausted", "quota exhausted")
	}

	// Stage 7: concurrent-stream admission gate.
	if checkConcurrentStreams(ctx, e.store, &fp, cfg.MaxStreams, time.Now()).denied {
		return deny(fp, http.StatusTooManyRequests, "concurrent_stream_limit", "too many concurrent streams")
	}

	// Stage 8: client whitelist / minimum version.
	if wr := checkWhitelist(cfg.Whitelist, &fp); wr.denied {
		reason := "version_too_old"
		if _, hasMin := cfg.Whitelist.MinVersions[fp.ClientName]; !hasMin {
			reason = "client_not_whitelisted"
		}
		return deny(fp, http.StatusForbidden, reason, wr.message)
	}

	// Stage 9: fake-counts interception.
	if cfg.FakeCounts.Enabled && isFakeCountsURI(uri) {
		val := cfg.FakeCounts.Value
		if val == 0 {
			val = 888
		}
		return &Decision{Outcome: OutcomeFakeCounts, FakeCountsValue: val, Fingerprint: fp}
	}

	if throttleBPS > 0 {
		return allowThrottled(fp, throttleBPS)
	}
	return allow(fp)
}

// FakeCountsBody renders the synthesized /Items/Counts response body used
// by stage 9. Every count field documented by the upstream media API is set
// to the same configured value.
func FakeCountsBody(value int) string {
	fields := []string{
		"MovieCount", "SeriesCount", "EpisodeCount", "GameCount",
		"ArtistCount", "ProgramCount", "TrailerCount", "SongCount",
		"AlbumCount", "MusicVideoCount", "BoxSetCount", "BookCount",
		"ItemCount",
	}
	out := "{"
	for i, f := range fields {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q:%d", f, value)
	}
	out += "}"
	return out
}
