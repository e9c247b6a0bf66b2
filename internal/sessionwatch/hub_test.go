package sessionwatch

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"

	"mediagate/internal/policy"
	"mediagate/internal/store"
)

func getRedisAddr() string {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		return v
	}
	return "localhost:6379"
}

func skipIfNoRedis(t *testing.T) *store.Client {
	rdb := redis.NewClient(&redis.Options{Addr: getRedisAddr()})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}

	s, err := store.New(store.Config{Addr: getRedisAddr(), KeyPrefix: "mediagate:sessionwatch-test:"})
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
	return s
}

func TestListActiveSessions_DecodesAndSorts(t *testing.T) {
	s := skipIfNoRedis(t)
	ctx := context.Background()

	rec1, _ := json.Marshal(policy.ActiveSessionRecord{DeviceID: "d1", ClientName: "Infuse"})
	rec2, _ := json.Marshal(policy.ActiveSessionRecord{DeviceID: "d2", ClientName: "Swiftfin"})
	if err := s.SetEX(ctx, "active_session:U2:P1", string(rec1), time.Minute); err != nil {
		t.Fatalf("seed session 1: %v", err)
	}
	if err := s.SetEX(ctx, "active_session:U1:P2", string(rec2), time.Minute); err != nil {
		t.Fatalf("seed session 2: %v", err)
	}

	sessions, err := ListActiveSessions(ctx, s)
	if err != nil {
		t.Fatalf("ListActiveSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].UserID != "U1" || sessions[1].UserID != "U2" {
		t.Errorf("expected sessions sorted by user id, got %+v", sessions)
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

func TestHub_PushesSnapshotOverWebSocket(t *testing.T) {
	s := skipIfNoRedis(t)
	ctx := context.Background()

	rec, _ := json.Marshal(policy.ActiveSessionRecord{DeviceID: "d1"})
	if err := s.SetEX(ctx, "active_session:U1:P1", string(rec), time.Minute); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	hub := NewHub(s)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/"
	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.CloseNow()

	readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readCancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var msg struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal push message: %v", err)
	}
	if msg.Total != 1 {
		t.Errorf("expected 1 active session in push, got %d", msg.Total)
	}
}
