package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"mediagate/internal/capture"
	"mediagate/internal/controlplane"
	"mediagate/internal/telemetry"
)

const (
	accessFlushLimit  = 500
	blockedFlushLimit = 200
	loginFlushLimit   = 100
)

// telemetryFlushTick drains the access-log and blocked-log buffers plus any
// staged login reports and pushes them to the control plane. Per spec
// §4.6, a failed push drops the batch rather than retrying it.
func (a *Agent) telemetryFlushTick(ctx context.Context) {
	access := a.access.DrainAccess(accessFlushLimit)
	if len(access) > 0 {
		entries := make([]json.RawMessage, 0, len(access))
		for _, e := range access {
			raw, err := json.Marshal(accessWire(e))
			if err != nil {
				continue
			}
			entries = append(entries, raw)
		}
		if err := a.control.PushAccessLogs(ctx, entries); err != nil {
			slog.Warn("telemetry flush: access log push failed, batch dropped", "count", len(entries), "error", err)
		}
	}

	blocked := a.access.DrainBlocked(blockedFlushLimit)
	if len(blocked) > 0 {
		entries := make([]json.RawMessage, 0, len(blocked))
		for _, e := range blocked {
			raw, err := json.Marshal(blockedWire(e))
			if err != nil {
				continue
			}
			entries = append(entries, raw)
		}
		if err := a.control.PushBlockedRequests(ctx, entries); err != nil {
			slog.Warn("telemetry flush: blocked log push failed, batch dropped", "count", len(entries), "error", err)
		}
	}

	a.flushLoginReports(ctx)
}

func (a *Agent) flushLoginReports(ctx context.Context) {
	keys, err := a.store.ScanAll(ctx, "token_report:*")
	if err != nil {
		slog.Warn("telemetry flush: scanning login reports failed", "error", err)
		return
	}
	if len(keys) > loginFlushLimit {
		keys = keys[:loginFlushLimit]
	}

	for _, key := range keys {
		raw, err := a.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var report capture.Report
		if err := json.Unmarshal([]byte(raw), &report); err != nil {
			_ = a.store.Del(ctx, key)
			slog.Warn("telemetry flush: malformed login report dropped", "key", key)
			continue
		}
		ev := controlplane.LoginEvent{
			EventType:     report.EventType,
			EmbyUserID:    report.EmbyUserID,
			EmbyUsername:  report.EmbyUsername,
			DeviceID:      report.DeviceID,
			DeviceName:    report.DeviceName,
			ClientName:    report.ClientName,
			ClientVersion: report.ClientVersion,
			ClientIP:      report.ClientIP,
			Success:       report.Success,
		}
		if err := a.control.PushLogin(ctx, ev); err != nil {
			slog.Warn("telemetry flush: login event push failed, entry lost", "key", key, "error", err)
		}
		_ = a.store.Del(ctx, key)
	}
}

type accessLogWire struct {
	Timestamp     string `json:"timestamp"`
	ClientIP      string `json:"client_ip"`
	URI           string `json:"uri"`
	Method        string `json:"method"`
	Status        int    `json:"status"`
	BytesSent     int64  `json:"bytes_sent"`
	RequestTimeMS int64  `json:"request_time_ms"`
	UpstreamTimeMS int64 `json:"upstream_time_ms"`
	UserID        string `json:"user_id,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}

type blockedLogWire struct {
	Timestamp string `json:"timestamp"`
	ClientIP  string `json:"client_ip"`
	URI       string `json:"uri"`
	Reason    string `json:"reason"`
	UserID    string `json:"user_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

func accessWire(e telemetry.AccessLogEntry) accessLogWire {
	return accessLogWire{
		Timestamp:      e.Timestamp.UTC().Format(time.RFC3339),
		ClientIP:       e.ClientIP,
		URI:            e.URI,
		Method:         e.Method,
		Status:         e.Status,
		BytesSent:      e.BytesSent,
		RequestTimeMS:  e.RequestTime.Milliseconds(),
		UpstreamTimeMS: e.UpstreamTime.Milliseconds(),
		UserID:         e.UserID,
		DeviceID:       e.DeviceID,
		ClientName:     e.ClientName,
		ClientVersion:  e.ClientVersion,
		UserAgent:      e.UserAgent,
	}
}

func blockedWire(e telemetry.BlockedLogEntry) blockedLogWire {
	return blockedLogWire{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		ClientIP:  e.ClientIP,
		URI:       e.URI,
		Reason:    e.Reason,
		UserID:    e.UserID,
		DeviceID:  e.DeviceID,
	}
}
