package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"mediagate/internal/gatewayerr"
	"mediagate/internal/snapshot"
)

// logControlPlaneErr logs a control-plane call failure at a severity that
// matches what actually went wrong: an unreachable control plane is an
// expected, recoverable condition the loop will retry next tick, while a
// response that arrived but failed to parse usually means this agent and
// the control plane have drifted out of compatibility.
func logControlPlaneErr(op string, err error) {
	var unreachable *gatewayerr.ControlPlaneUnreachable
	var parseErr *gatewayerr.ParseError
	switch {
	case errors.As(err, &unreachable):
		slog.Warn(op, "error", err, "kind", "unreachable")
	case errors.As(err, &parseErr):
		slog.Error(op, "error", err, "kind", "parse")
	default:
		slog.Warn(op, "error", err)
	}
}

// luaConfigWire is the control plane's wire shape for lua_config.
type luaConfigWire struct {
	ServiceType     string             `json:"service_type"`
	SkipList        []uriRuleWire      `json:"skip_list"`
	BlockList       []uriRuleWire      `json:"block_list"`
	Whitelist       whitelistWire      `json:"whitelist"`
	FakeCounts      fakeCountsWire     `json:"fake_counts"`
	MaxStreams      int                `json:"max_streams"`
	DenyBodyText    string             `json:"deny_body_text"`
	UpstreamBaseURL string             `json:"upstream_base_url"`
}

type uriRuleWire struct {
	Pattern   string `json:"pattern"`
	MatchType string `json:"match_type"`
}

type whitelistWire struct {
	Enabled     bool              `json:"enabled"`
	Clients     []string          `json:"clients"`
	MinVersions map[string]string `json:"min_versions"`
	DenyMessage string            `json:"deny_message"`
}

type fakeCountsWire struct {
	Enabled bool `json:"enabled"`
	Value   int  `json:"value"`
}

// rateLimitConfigWire is the control plane's wire shape for rate_limit_config.
type rateLimitConfigWire struct {
	Rules        []rateLimitRuleWire  `json:"rules"`
	Enforcements []enforcementWire    `json:"enforcements"`
}

type rateLimitRuleWire struct {
	ID              string  `json:"id"`
	ApplyTo         string  `json:"apply_to"`
	ApplyValue      string  `json:"apply_value"`
	RatePerSecond   float64 `json:"rate_per_second"`
	RateBurst       int     `json:"rate_burst"`
	RatePerMinute   int     `json:"rate_per_minute"`
	OverAction      string  `json:"over_action"`
	ThrottleRateBPS int64   `json:"throttle_rate_bps"`
}

type enforcementWire struct {
	Dimension       string `json:"dimension"`
	DimensionValue  string `json:"dimension_value"`
	Action          string `json:"action"`
	Reason          string `json:"reason"`
	ThrottleRateBPS int64  `json:"throttle_rate_bps"`
	EffectiveUntil  string `json:"effective_until"`
}

const defaultEnforcementTTL = 600 * time.Second

// enforcementTTL computes the TTL of an enforcement directive from its
// effective_until ISO-8601 timestamp, per spec §4.6: "default 600s if
// absent/unparseable".
func enforcementTTL(effectiveUntil string, now time.Time) time.Duration {
	if effectiveUntil == "" {
		return defaultEnforcementTTL
	}
	until, err := time.Parse(time.RFC3339, effectiveUntil)
	if err != nil {
		return defaultEnforcementTTL
	}
	ttl := until.Sub(now)
	if ttl <= 0 {
		return defaultEnforcementTTL
	}
	return ttl
}

// configPullTick implements spec §4.6's config-pull loop.
func (a *Agent) configPullTick(ctx context.Context) {
	versionResp, err := a.control.GetConfigVersion(ctx)
	if err != nil {
		logControlPlaneErr("config pull: version check failed", err)
		return
	}

	local := a.snapshots.Load()
	localVersion := int64(0)
	if local != nil {
		localVersion = local.Version
	}
	if !versionResp.HasUpdate && versionResp.Version <= localVersion {
		return // idempotent no-op, spec §4.6
	}

	cfgResp, err := a.control.GetConfig(ctx)
	if err != nil {
		logControlPlaneErr("config pull: fetch failed", err)
		return
	}

	next := &snapshot.Config{Version: cfgResp.Version}
	if local != nil {
		*next = *local
		next.Version = cfgResp.Version
	}
	if cfgResp.ServiceType != "" {
		next.ServiceType = cfgResp.ServiceType
	}

	if len(cfgResp.LuaConfig) > 0 {
		var lua luaConfigWire
		if err := json.Unmarshal(cfgResp.LuaConfig, &lua); err != nil {
			slog.Warn("config pull: malformed lua_config", "error", err)
		} else {
			applyLuaConfig(next, lua)
		}
	}

	var rl rateLimitConfigWire
	if len(cfgResp.RateLimitConfig) > 0 {
		if err := json.Unmarshal(cfgResp.RateLimitConfig, &rl); err != nil {
			slog.Warn("config pull: malformed rate_limit_config", "error", err)
		} else {
			next.RateLimit.Rules = make([]snapshot.RateLimitRule, 0, len(rl.Rules))
			for _, r := range rl.Rules {
				next.RateLimit.Rules = append(next.RateLimit.Rules, snapshot.RateLimitRule{
					ID: r.ID, ApplyTo: r.ApplyTo, ApplyValue: r.ApplyValue,
					RatePerSecond: r.RatePerSecond, RateBurst: r.RateBurst,
					RatePerMinute: r.RatePerMinute, OverAction: r.OverAction,
					ThrottleRateBPS: r.ThrottleRateBPS,
				})
			}
		}
	}

	a.snapshots.Replace(next)

	if len(rl.Enforcements) > 0 || len(cfgResp.RateLimitConfig) > 0 {
		a.replaceEnforcements(ctx, rl.Enforcements)
	}

	if versionResp.SnapshotID != "" {
		if err := a.control.AckSnapshot(ctx, versionResp.SnapshotID, "applied"); err != nil {
			slog.Warn("config pull: ack failed", "error", err)
		}
	}
}

func applyLuaConfig(cfg *snapshot.Config, lua luaConfigWire) {
	if lua.ServiceType != "" {
		cfg.ServiceType = lua.ServiceType
	}
	if lua.SkipList != nil {
		cfg.SkipList = convertURIRules(lua.SkipList)
	}
	if lua.BlockList != nil {
		cfg.BlockList = convertURIRules(lua.BlockList)
	}
	if lua.Whitelist.Clients != nil || lua.Whitelist.Enabled {
		clients := make(map[string]struct{}, len(lua.Whitelist.Clients))
		for _, c := range lua.Whitelist.Clients {
			clients[c] = struct{}{}
		}
		cfg.Whitelist = snapshot.WhitelistConfig{
			Enabled:     lua.Whitelist.Enabled,
			Clients:     clients,
			MinVersions: lua.Whitelist.MinVersions,
			DenyMessage: lua.Whitelist.DenyMessage,
		}
	}
	cfg.FakeCounts = snapshot.FakeCountsConfig{Enabled: lua.FakeCounts.Enabled, Value: lua.FakeCounts.Value}
	if lua.MaxStreams > 0 {
		cfg.MaxStreams = lua.MaxStreams
	}
	if lua.DenyBodyText != "" {
		cfg.DenyBodyText = lua.DenyBodyText
	}
	if lua.UpstreamBaseURL != "" {
		cfg.UpstreamBaseURL = lua.UpstreamBaseURL
	}
}

func convertURIRules(wire []uriRuleWire) []snapshot.URIRule {
	out := make([]snapshot.URIRule, 0, len(wire))
	for _, w := range wire {
		out = append(out, snapshot.URIRule{Pattern: w.Pattern, MatchType: w.MatchType})
	}
	return out
}

// replaceEnforcements atomically swaps the enforce:* key set: every old key
// is deleted before any new one is written, per spec §4.6.
func (a *Agent) replaceEnforcements(ctx context.Context, enforcements []enforcementWire) {
	old, err := a.store.ScanAll(ctx, "enforce:*")
	if err != nil {
		slog.Warn("config pull: scanning old enforcements failed", "error", err)
	} else if len(old) > 0 {
		if err := a.store.Del(ctx, old...); err != nil {
			slog.Warn("config pull: clearing old enforcements failed", "error", err)
		}
	}

	now := time.Now()
	for _, e := range enforcements {
		payload, err := json.Marshal(map[string]any{
			"action":            e.Action,
			"reason":            e.Reason,
			"throttle_rate_bps": e.ThrottleRateBPS,
		})
		if err != nil {
			continue
		}
		key := "enforce:" + e.Dimension + ":" + e.DimensionValue
		ttl := enforcementTTL(e.EffectiveUntil, now)
		if err := a.store.SetEX(ctx, key, string(payload), ttl); err != nil {
			slog.Warn("config pull: writing enforcement failed", "key", key, "error", err)
		}
	}
}
