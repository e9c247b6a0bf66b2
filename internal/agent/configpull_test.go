package agent

import (
	"testing"
	"time"
)

func TestEnforcementTTL_DefaultsWhenAbsent(t *testing.T) {
	ttl := enforcementTTL("", time.Now())
	if ttl != defaultEnforcementTTL {
		t.Errorf("expected default TTL, got %v", ttl)
	}
}

func TestEnforcementTTL_DefaultsWhenUnparseable(t *testing.T) {
	ttl := enforcementTTL("not-a-timestamp", time.Now())
	if ttl != defaultEnforcementTTL {
		t.Errorf("expected default TTL for unparseable input, got %v", ttl)
	}
}

func TestEnforcementTTL_ComputesFromEffectiveUntil(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := now.Add(120 * time.Second).Format(time.RFC3339)

	ttl := enforcementTTL(until, now)
	if ttl < 119*time.Second || ttl > 120*time.Second {
		t.Errorf("expected ~120s TTL, got %v", ttl)
	}
}

func TestEnforcementTTL_PastEffectiveUntilFallsBackToDefault(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-10 * time.Second).Format(time.RFC3339)

	ttl := enforcementTTL(past, now)
	if ttl != defaultEnforcementTTL {
		t.Errorf("expected default TTL for past timestamp, got %v", ttl)
	}
}

func TestConvertURIRules(t *testing.T) {
	wire := []uriRuleWire{{Pattern: "/admin", MatchType: "prefix"}}
	out := convertURIRules(wire)
	if len(out) != 1 || out[0].Pattern != "/admin" || out[0].MatchType != "prefix" {
		t.Errorf("unexpected conversion: %+v", out)
	}
}

func TestRemainMirrorTTL(t *testing.T) {
	// Fixed at 600s regardless of the owning counter's own period (spec
	// §3), so a spuriously zeroed mirror self-heals well before the next
	// daily/monthly sync rather than persisting for as long as the counter.
	if got := remainMirrorTTL("remain:req:user:U1:monthly"); got != 600*time.Second {
		t.Errorf("expected 600s TTL, got %v", got)
	}
	if got := remainMirrorTTL("remain:req:user:U1:daily"); got != 600*time.Second {
		t.Errorf("expected 600s TTL, got %v", got)
	}
}

func TestSplitActiveSessionKey(t *testing.T) {
	userID, psid, ok := splitActiveSessionKey("active_session:U1:PSID-1")
	if !ok || userID != "U1" || psid != "PSID-1" {
		t.Errorf("unexpected split: %q %q %v", userID, psid, ok)
	}

	if _, _, ok := splitActiveSessionKey("not_a_session_key"); ok {
		t.Error("expected ok=false for malformed key")
	}
}
