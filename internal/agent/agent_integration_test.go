package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"mediagate/internal/controlplane"
	"mediagate/internal/snapshot"
	"mediagate/internal/store"
	"mediagate/internal/telemetry"
)

func getRedisAddr() string {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		return v
	}
	return "localhost:6379"
}

func skipIfNoRedis(t *testing.T) *store.Client {
	c, err := store.New(store.Config{Addr: getRedisAddr(), KeyPrefix: "mediagate:agent-test:"})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	return c
}

func newTestAgent(t *testing.T, controlURL string) (*Agent, *store.Client) {
	s := skipIfNoRedis(t)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := s.ScanAll(ctx, "*")
		if len(keys) > 0 {
			s.Del(ctx, keys...)
		}
		s.Close()
	})

	control, err := controlplane.New(controlplane.Config{BaseURL: controlURL + "/api/v1/media-slave", AppToken: "secret"})
	if err != nil {
		t.Fatalf("controlplane.New failed: %v", err)
	}

	snapshots := snapshot.New()
	access := telemetry.NewBuffer(0)
	a := New(Config{}, s, snapshots, control, access, nil)
	return a, s
}

func TestConfigPullTick_AppliesNewSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/media-slave/config/version":
			w.Write([]byte(`{"data":{"version":2,"has_update":true,"snapshot_id":"snap-2"}}`))
		case "/api/v1/media-slave/config":
			w.Write([]byte(`{"data":{"version":2,"service_type":"emby","lua_config":{"max_streams":5},"rate_limit_config":{"rules":[],"enforcements":[]}}}`))
		case "/api/v1/media-slave/ack":
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a, _ := newTestAgent(t, srv.URL)
	a.configPullTick(context.Background())

	cfg := a.snapshots.Load()
	if cfg == nil || cfg.Version != 2 || cfg.ServiceType != "emby" || cfg.MaxStreams != 5 {
		t.Fatalf("unexpected snapshot: %+v", cfg)
	}
}

func TestConfigPullTick_NoOpWhenNoUpdate(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/media-slave/config/version" {
			w.Write([]byte(`{"data":{"version":1,"has_update":false}}`))
			return
		}
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, _ := newTestAgent(t, srv.URL)
	a.snapshots.Replace(&snapshot.Config{Version: 1})
	a.configPullTick(context.Background())

	if calls != 0 {
		t.Errorf("expected no further calls on no-op config pull, got %d", calls)
	}
}

func TestHeartbeatTick_PostsCurrentVersion(t *testing.T) {
	var gotVersion float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := decodeJSON(r, &body); err == nil {
			gotVersion, _ = body["current_config_version"].(float64)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, _ := newTestAgent(t, srv.URL)
	a.snapshots.Replace(&snapshot.Config{Version: 9})
	a.heartbeatTick(context.Background())

	if gotVersion != 9 {
		t.Errorf("expected heartbeat to report version 9, got %v", gotVersion)
	}
}

func TestSessionHeartbeatTick_PushesEmptySnapshot(t *testing.T) {
	pushed := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushed = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, _ := newTestAgent(t, srv.URL)
	a.sessionHeartbeatTick(context.Background())

	if !pushed {
		t.Error("expected session heartbeat to push even with no active sessions")
	}
}

func TestRunLoop_FiresAfterInitialDelayThenInterval(t *testing.T) {
	a, _ := newTestAgent(t, "http://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	var ticks int
	a.runLoop(ctx, "test", 10*time.Millisecond, 20*time.Millisecond, func(context.Context) { ticks++ })

	if ticks < 2 {
		t.Errorf("expected at least 2 ticks within the test window, got %d", ticks)
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
