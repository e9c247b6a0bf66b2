// Package sessionwatch implements the admin session-watch endpoint: a
// read-only WebSocket feed that periodically pushes the current
// active_session:* state to connected operators. It is a supplemental
// feature with no effect on the request hot path — the 9-stage access
// pipeline writes and reads active-session records directly through
// internal/store; this package only observes the same keys.
//
// Freshly written for this domain: the teacher's own WebSocket code
// (internal/websocket) dials *out* to an LLM backend and proxies a client
// connection through to it, which is a different concern from broadcasting
// server-side state to admin clients. Only the coder/websocket dependency
// itself carries over.
package sessionwatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/coder/websocket"

	"mediagate/internal/policy"
	"mediagate/internal/store"
)

// pushInterval is how often the hub re-queries the store and pushes a
// fresh snapshot to each connected watcher.
const pushInterval = 2 * time.Second

// ActiveSession is one active_session:* entry, decomposed from its key.
type ActiveSession struct {
	UserID        string
	PlaySessionID string
	Record        policy.ActiveSessionRecord
}

// ListActiveSessions scans the store for every active_session:* key and
// decodes it into an ActiveSession. Malformed entries are skipped rather
// than failing the whole listing.
func ListActiveSessions(ctx context.Context, s *store.Client) ([]ActiveSession, error) {
	keys, err := s.ScanAll(ctx, "active_session:*")
	if err != nil {
		return nil, err
	}

	out := make([]ActiveSession, 0, len(keys))
	for _, key := range keys {
		userID, psid, ok := splitActiveSessionKey(key)
		if !ok {
			continue
		}
		raw, err := s.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		var rec policy.ActiveSessionRecord
		if json.Unmarshal([]byte(raw), &rec) != nil {
			continue
		}
		out = append(out, ActiveSession{UserID: userID, PlaySessionID: psid, Record: rec})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].PlaySessionID < out[j].PlaySessionID
	})
	return out, nil
}

// splitActiveSessionKey parses "active_session:<user_id>:<play_session_id>".
func splitActiveSessionKey(key string) (userID, psid string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "active_session" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Hub serves the /control/sessions/watch WebSocket route.
type Hub struct {
	store *store.Client
}

// NewHub builds a session-watch hub bound to the given store client.
func NewHub(s *store.Client) *Hub {
	return &Hub{store: s}
}

// ServeHTTP upgrades the connection and pushes a JSON snapshot of
// active sessions every pushInterval until the client disconnects or the
// request context is cancelled. Authentication is enforced by the
// control API handler this is mounted under, not here.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("sessionwatch: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		sessions, err := ListActiveSessions(ctx, h.store)
		if err != nil {
			slog.Warn("sessionwatch: list active sessions failed", "error", err)
		} else if err := h.push(ctx, conn, sessions); err != nil {
			slog.Debug("sessionwatch: client disconnected", "error", err)
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func (h *Hub) push(ctx context.Context, conn *websocket.Conn, sessions []ActiveSession) error {
	payload, err := json.Marshal(map[string]any{
		"total":    len(sessions),
		"sessions": sessions,
	})
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
