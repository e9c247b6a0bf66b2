package agent

import (
	"context"
	"log/slog"

	"mediagate/internal/controlplane"
)

// heartbeatTick implements spec §4.6's heartbeat loop: a pure POST
// reporting process liveness, the snapshot version in effect, and local
// telemetry/session counts.
func (a *Agent) heartbeatTick(ctx context.Context) {
	var version int64
	if cfg := a.snapshots.Load(); cfg != nil {
		version = cfg.Version
	}

	stats := a.access.Stats()
	activeSessions, err := a.store.ScanAll(ctx, "active_session:*")
	if err != nil {
		slog.Warn("heartbeat: counting active sessions failed", "error", err)
	}

	meta := controlplane.HeartbeatMetadata{
		AccessLogCount:  stats.AccessQueued,
		BlockedLogCount: stats.BlockedQueued,
		ActiveSessions:  len(activeSessions),
	}

	if err := a.control.Heartbeat(ctx, AgentVersion, version, "ok", meta); err != nil {
		slog.Warn("heartbeat: post failed", "error", err)
	}
}
