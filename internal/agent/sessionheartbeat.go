package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"mediagate/internal/controlplane"
	"mediagate/internal/policy"
)

// sessionHeartbeatTick implements spec §4.6's session-heartbeat loop: scan
// every active_session:* key and push a realtime snapshot, even when empty
// (an empty push clears stale central state for an instance that has lost
// all its sessions).
func (a *Agent) sessionHeartbeatTick(ctx context.Context) {
	keys, err := a.store.ScanAll(ctx, "active_session:*")
	if err != nil {
		slog.Warn("session heartbeat: scan failed", "error", err)
		return
	}

	snapshots := make([]controlplane.SessionSnapshot, 0, len(keys))
	for _, key := range keys {
		userID, psid, ok := splitActiveSessionKey(key)
		if !ok {
			continue
		}
		raw, err := a.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec policy.ActiveSessionRecord
		if json.Unmarshal([]byte(raw), &rec) != nil {
			continue
		}
		snapshots = append(snapshots, controlplane.SessionSnapshot{
			UserID:        userID,
			PlaySessionID: psid,
			DeviceID:      rec.DeviceID,
			StartedAt:     rec.StartedAt,
			LastSeen:      rec.LastSeen,
		})
	}

	if err := a.control.PushSessionHeartbeat(ctx, snapshots); err != nil {
		slog.Warn("session heartbeat: push failed", "error", err)
	}
}

func splitActiveSessionKey(key string) (userID, psid string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "active_session" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
