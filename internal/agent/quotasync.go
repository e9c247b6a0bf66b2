package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"mediagate/internal/snapshot"
)

// quotaCounterWire is one entry of the counters array posted to quota-sync;
// key is the raw store key so the control plane can correlate it back to a
// (axis, dimension, value, period) tuple without us re-deriving the split.
type quotaCounterWire struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

type quotaRemainingWire struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

// quotaSyncTick implements spec §4.6's quota-sync loop: it pattern-scans
// quota:req:* and quota:bw:* counters, posts them as a batch, and applies
// the response's remain:* mirrors plus refreshed enforcement set. It also
// polls /rate-limits out of band to pick up rule changes that don't require
// a full config-version bump.
func (a *Agent) quotaSyncTick(ctx context.Context) {
	reqKeys, err := a.store.ScanAll(ctx, "quota:req:*")
	if err != nil {
		slog.Warn("quota sync: scanning quota:req keys failed", "error", err)
		return
	}
	bwKeys, err := a.store.ScanAll(ctx, "quota:bw:*")
	if err != nil {
		slog.Warn("quota sync: scanning quota:bw keys failed", "error", err)
		return
	}

	counters := make([]json.RawMessage, 0, len(reqKeys)+len(bwKeys))
	counters = appendCounters(ctx, a, counters, reqKeys)
	counters = appendCounters(ctx, a, counters, bwKeys)

	if len(counters) > 0 {
		resp, err := a.control.PushQuotaSync(ctx, counters)
		if err != nil {
			slog.Warn("quota sync: push failed", "error", err)
		} else {
			a.applyQuotaSyncResponse(ctx, resp.Remaining, resp.Enforcements)
		}
	}

	a.refreshRateLimits(ctx)
}

func appendCounters(ctx context.Context, a *Agent, out []json.RawMessage, keys []string) []json.RawMessage {
	for _, key := range keys {
		raw, err := a.store.Get(ctx, key)
		if err != nil {
			continue // torn pair (req without bw or vice versa): treated as zero, spec §5
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		payload, err := json.Marshal(quotaCounterWire{Key: key, Value: n})
		if err != nil {
			continue
		}
		out = append(out, payload)
	}
	return out
}

func (a *Agent) applyQuotaSyncResponse(ctx context.Context, remaining, enforcements json.RawMessage) {
	if len(remaining) > 0 {
		var mirrors []quotaRemainingWire
		if err := json.Unmarshal(remaining, &mirrors); err != nil {
			slog.Warn("quota sync: malformed remaining mirrors", "error", err)
		} else {
			for _, m := range mirrors {
				ttl := remainMirrorTTL(m.Key)
				if err := a.store.SetEX(ctx, m.Key, strconv.FormatInt(m.Value, 10), ttl); err != nil {
					slog.Warn("quota sync: writing remain mirror failed", "key", m.Key, "error", err)
				}
			}
		}
	}

	if len(enforcements) > 0 {
		var directives []enforcementWire
		if err := json.Unmarshal(enforcements, &directives); err != nil {
			slog.Warn("quota sync: malformed enforcements", "error", err)
		} else {
			a.replaceEnforcements(ctx, directives)
		}
	}
}

// remainMirrorTTL is fixed at 600s regardless of the owning counter's own
// period (spec §3: "Remaining-capacity mirror (in store, TTL 600s)"). This
// is deliberately much shorter than the daily/monthly counter TTL: it
// bounds how long a mirror spuriously decremented to zero between syncs can
// wrongly deny a dimension at stage 6 — it self-heals on the next sync
// instead of lasting as long as the counter it mirrors.
func remainMirrorTTL(_ string) time.Duration {
	return 600 * time.Second
}

func (a *Agent) refreshRateLimits(ctx context.Context) {
	resp, err := a.control.GetRateLimits(ctx)
	if err != nil {
		slog.Warn("quota sync: rate-limits refresh failed", "error", err)
		return
	}

	local := a.snapshots.Load()
	if local == nil {
		return // no base snapshot to merge rules into yet; config pull will seed one
	}

	var rules []rateLimitRuleWire
	if len(resp.Rules) > 0 {
		if err := json.Unmarshal(resp.Rules, &rules); err != nil {
			slog.Warn("quota sync: malformed rate-limit rules", "error", err)
			rules = nil
		}
	}
	if rules != nil {
		next := *local
		next.RateLimit.Rules = make([]snapshot.RateLimitRule, 0, len(rules))
		for _, r := range rules {
			next.RateLimit.Rules = append(next.RateLimit.Rules, snapshot.RateLimitRule{
				ID: r.ID, ApplyTo: r.ApplyTo, ApplyValue: r.ApplyValue,
				RatePerSecond: r.RatePerSecond, RateBurst: r.RateBurst,
				RatePerMinute: r.RatePerMinute, OverAction: r.OverAction,
				ThrottleRateBPS: r.ThrottleRateBPS,
			})
		}
		a.snapshots.Replace(&next)
	}

	if len(resp.Enforcements) > 0 {
		var directives []enforcementWire
		if err := json.Unmarshal(resp.Enforcements, &directives); err == nil {
			a.replaceEnforcements(ctx, directives)
		}
	}
}
