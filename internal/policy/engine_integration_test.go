package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"mediagate/internal/snapshot"
	"mediagate/internal/store"
)

func getRedisAddr() string {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	return addr
}

func skipIfNoRedis(t *testing.T) {
	addr := getRedisAddr()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.Client, *snapshot.Store) {
	s, err := store.New(store.Config{Addr: getRedisAddr(), KeyPrefix: "mediagate:policy-test:"})
	if err != nil {
		t.Fatalf("failed to create store client: %v", err)
	}
	t.Cleanup(func() {
		keys, _ := s.ScanAll(context.Background(), "*")
		if len(keys) > 0 {
			_ = s.Del(context.Background(), keys...)
		}
		s.Close()
	})

	snaps := snapshot.New()
	return NewEngine(s, snaps), s, snaps
}

func TestEngine_NoSnapshot_FailsOpen(t *testing.T) {
	skipIfNoRedis(t)
	e, _, _ := newTestEngine(t)

	r := httptest.NewRequest(http.MethodGet, "/Videos/abc/stream", nil)
	d := e.Evaluate(context.Background(), r)
	if d.Outcome != OutcomeAllow {
		t.Errorf("expected allow with no snapshot, got %v", d.Outcome)
	}
}

func TestEngine_ConcurrentStreamGate(t *testing.T) {
	skipIfNoRedis(t)
	e, s, snaps := newTestEngine(t)
	snaps.Replace(&snapshot.Config{Version: 1, MaxStreams: 2})
	ctx := context.Background()

	mkReq := func(psid string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/Videos/abc/stream?PlaySessionId="+psid+"&api_key=T", nil)
		return r
	}

	if err := s.SetEX(ctx, "token_map:T", `{"user_id":"U1"}`, time.Hour); err != nil {
		t.Fatalf("seed token map: %v", err)
	}

	d1 := e.Evaluate(ctx, mkReq("P1"))
	if d1.Outcome != OutcomeAllow {
		t.Fatalf("first session expected allow, got %v (%s)", d1.Outcome, d1.Reason)
	}
	d2 := e.Evaluate(ctx, mkReq("P2"))
	if d2.Outcome != OutcomeAllow {
		t.Fatalf("second session expected allow, got %v (%s)", d2.Outcome, d2.Reason)
	}
	d3 := e.Evaluate(ctx, mkReq("P3"))
	if d3.Outcome != OutcomeDeny || d3.HTTPStatus != http.StatusTooManyRequests {
		t.Fatalf("third concurrent session expected 429 deny, got %v status=%d", d3.Outcome, d3.HTTPStatus)
	}

	// Same session id continuing should still pass even at the cap.
	d1again := e.Evaluate(ctx, mkReq("P1"))
	if d1again.Outcome != OutcomeAllow {
		t.Errorf("continuation of existing session expected allow, got %v", d1again.Outcome)
	}
}

func TestEngine_FakeCountsInterception(t *testing.T) {
	skipIfNoRedis(t)
	e, _, snaps := newTestEngine(t)
	snaps.Replace(&snapshot.Config{
		Version:    1,
		FakeCounts: snapshot.FakeCountsConfig{Enabled: true, Value: 42},
	})

	r := httptest.NewRequest(http.MethodGet, "/Items/Counts", nil)
	d := e.Evaluate(context.Background(), r)
	if d.Outcome != OutcomeFakeCounts {
		t.Fatalf("expected fake-counts outcome, got %v", d.Outcome)
	}
	if d.FakeCountsValue != 42 {
		t.Errorf("FakeCountsValue = %d, want 42", d.FakeCountsValue)
	}
}

func TestEngine_URIBlockList(t *testing.T) {
	skipIfNoRedis(t)
	e, _, snaps := newTestEngine(t)
	snaps.Replace(&snapshot.Config{
		Version:      1,
		BlockList:    []snapshot.URIRule{{Pattern: "/admin", MatchType: "prefix"}},
		DenyBodyText: "forbidden",
	})

	r := httptest.NewRequest(http.MethodGet, "/admin/secret", nil)
	d := e.Evaluate(context.Background(), r)
	if d.Outcome != OutcomeDeny || d.HTTPStatus != http.StatusForbidden {
		t.Fatalf("expected 403 deny, got %v status=%d", d.Outcome, d.HTTPStatus)
	}
	if d.Reason != "uri_blocked" {
		t.Errorf("Reason = %q, want uri_blocked", d.Reason)
	}
}

func TestEngine_URISkipBypassesLaterStages(t *testing.T) {
	skipIfNoRedis(t)
	e, _, snaps := newTestEngine(t)
	snaps.Replace(&snapshot.Config{
		Version:  1,
		SkipList: []snapshot.URIRule{{Pattern: "/health", MatchType: "exact"}},
		Whitelist: snapshot.WhitelistConfig{
			Enabled: true,
			Clients: map[string]struct{}{"NeverMatches": {}},
		},
	})

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	d := e.Evaluate(context.Background(), r)
	if d.Outcome != OutcomeAllow {
		t.Errorf("expected skip-listed URI to allow regardless of whitelist, got %v", d.Outcome)
	}
}

func TestEngine_RateLimitPerSecondBurst(t *testing.T) {
	skipIfNoRedis(t)
	e, _, snaps := newTestEngine(t)
	snaps.Replace(&snapshot.Config{
		Version: 1,
		RateLimit: snapshot.RateLimitConfig{
			Rules: []snapshot.RateLimitRule{{
				ID: "ip-burst", ApplyTo: "ip", ApplyValue: "*",
				RatePerSecond: 10, RateBurst: 10, OverAction: "reject",
			}},
		},
	})
	ctx := context.Background()

	passed := 0
	for i := 0; i < 15; i++ {
		r := httptest.NewRequest(http.MethodGet, "/x", nil)
		r.RemoteAddr = "192.0.2.1:1234"
		d := e.Evaluate(ctx, r)
		if d.Outcome == OutcomeAllow {
			passed++
		}
	}
	if passed != 10 {
		t.Errorf("expected exactly burst(10) requests to pass, got %d", passed)
	}
}
