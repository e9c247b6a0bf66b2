package policy

import (
	"context"
	"strconv"
	"time"

	"mediagate/internal/identity"
	"mediagate/internal/snapshot"
	"mediagate/internal/store"
)

// dimensionValue returns the fingerprint's value for a rate-limit dimension,
// or "" if absent (in which case the rule is skipped entirely).
func dimensionValue(apply string, fp *identity.Fingerprint) string {
	switch apply {
	case "ip":
		return fp.ClientIP
	case "user":
		return fp.UserID
	case "device":
		return fp.DeviceID
	case "global":
		return "global"
	default:
		return ""
	}
}

// ruleApplies reports whether a rule's apply_value (literal or wildcard "*")
// matches the fingerprint's dimension value.
func ruleApplies(rule snapshot.RateLimitRule, fp *identity.Fingerprint) (key string, ok bool) {
	val := dimensionValue(rule.ApplyTo, fp)
	if val == "" {
		return "", false
	}
	if rule.ApplyValue != "" && rule.ApplyValue != "*" && rule.ApplyValue != val {
		return "", false
	}
	return "ratelimit:" + rule.ID + ":" + rule.ApplyTo + ":" + val, true
}

// checkPerSecond implements the leaky-bucket-by-integer-counter scheme: the
// key's TTL is 1/rate seconds, first observation seeds to burst-1 and
// passes, subsequent observations atomically decrement and deny on <0.
func checkPerSecond(ctx context.Context, s *store.Client, key string, rate float64, burst int) (allowed bool) {
	if rate <= 0 {
		return true
	}
	if burst <= 0 {
		burst = int(rate)
		if burst <= 0 {
			burst = 1
		}
	}
	ttl := time.Duration(float64(time.Second) / rate)
	if ttl <= 0 {
		ttl = time.Second
	}

	exists, err := s.Exists(ctx, key)
	if err != nil {
		return true // store error: fail open
	}
	if !exists {
		_ = s.SetEX(ctx, key, strconv.Itoa(burst-1), ttl)
		return true
	}

	remaining, err := s.IncrBy(ctx, key, -1)
	if err != nil {
		return true
	}
	return remaining >= 0
}

// checkPerMinute implements the fixed 60-second window counter: first
// observation seeds to 1 with a 60s TTL, subsequent increments pass until
// the count exceeds limit.
func checkPerMinute(ctx context.Context, s *store.Client, key string, limit int) (allowed bool) {
	if limit <= 0 {
		return true
	}
	count, err := s.IncrBy(ctx, key, 1)
	if err != nil {
		return true
	}
	if count == 1 {
		_ = s.Expire(ctx, key, 60*time.Second)
	}
	return count <= int64(limit)
}

// rateLimitResult carries the outcome of evaluating stage 5 against every
// configured rule.
type rateLimitResult struct {
	denied          bool
	reason          string
	httpStatus      int
	throttleRateBPS int64
}

// evaluateRateLimits checks every applicable rule (not first-match): a
// throttle over_action is held as a candidate result rather than returned
// immediately, so a later rule that rejects still takes effect. If no rule
// rejects, the first throttle encountered wins.
func evaluateRateLimits(ctx context.Context, s *store.Client, rules []snapshot.RateLimitRule, fp *identity.Fingerprint) rateLimitResult {
	var throttled *rateLimitResult

	for _, rule := range rules {
		key, ok := ruleApplies(rule, fp)
		if !ok {
			continue
		}

		passed := true
		reason := ""
		if rule.RatePerSecond > 0 {
			if !checkPerSecond(ctx, s, key+":rps", rule.RatePerSecond, rule.RateBurst) {
				passed = false
				reason = "rate_limit_rps"
			}
		}
		if passed && rule.RatePerMinute > 0 {
			if !checkPerMinute(ctx, s, key+":rpm", rule.RatePerMinute) {
				passed = false
				reason = "rate_limit_rpm"
			}
		}

		if !passed {
			if rule.OverAction == "throttle" {
				if throttled == nil {
					throttled = &rateLimitResult{denied: false, throttleRateBPS: rule.ThrottleRateBPS}
				}
				continue
			}
			return rateLimitResult{denied: true, reason: reason, httpStatus: 429}
		}
	}

	if throttled != nil {
		return *throttled
	}
	return rateLimitResult{}
}
