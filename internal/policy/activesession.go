package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mediagate/internal/identity"
	"mediagate/internal/store"
)

const activeSessionTTL = 90 * time.Second

// ActiveSessionRecord is the value stored at
// active_session:<user_id>:<play_session_id>.
type ActiveSessionRecord struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	ClientName string `json:"client_name"`
	ClientIP   string `json:"client_ip"`
	StartedAt  string `json:"started_at"`
	LastSeen   string `json:"last_seen"`
	BytesSent  int64  `json:"bytes_sent"`
}

func activeSessionKey(userID, playSessionID string) string {
	return fmt.Sprintf("active_session:%s:%s", userID, playSessionID)
}

func activeSessionScanPattern(userID string) string {
	return fmt.Sprintf("active_session:%s:*", userID)
}

// concurrentStreamResult is the outcome of stage 7.
type concurrentStreamResult struct {
	denied bool
}

// checkConcurrentStreams implements the admission gate: a continuation of
// an already-tracked session always passes; a new session is admitted only
// if fewer than maxStreams sessions are currently active for the user, in
// which case it is recorded with a 90s TTL.
func checkConcurrentStreams(ctx context.Context, s *store.Client, fp *identity.Fingerprint, maxStreams int, now time.Time) concurrentStreamResult {
	if fp.PlaySessionID == "" || fp.UserID == "" {
		return concurrentStreamResult{}
	}

	key := activeSessionKey(fp.UserID, fp.PlaySessionID)
	if exists, err := s.Exists(ctx, key); err == nil && exists {
		refreshActiveSession(ctx, s, fp, 0, now)
		return concurrentStreamResult{}
	}

	keys, err := s.ScanAll(ctx, activeSessionScanPattern(fp.UserID))
	if err == nil && maxStreams > 0 && len(keys) >= maxStreams {
		return concurrentStreamResult{denied: true}
	}

	rec := ActiveSessionRecord{
		DeviceID:   fp.DeviceID,
		DeviceName: fp.DeviceName,
		ClientName: fp.ClientName,
		ClientIP:   fp.ClientIP,
		StartedAt:  now.UTC().Format(time.RFC3339),
		LastSeen:   now.UTC().Format(time.RFC3339),
	}
	raw, _ := json.Marshal(rec)
	_ = s.SetEX(ctx, key, string(raw), activeSessionTTL)
	return concurrentStreamResult{}
}

// refreshActiveSession updates last_seen, accumulates bytesSent, and resets
// the TTL. Used both inline (stage 7 continuation) and from the log-phase
// recorder. If the record is missing it is recreated with started_at=now,
// matching spec §4.5 step 2.
func refreshActiveSession(ctx context.Context, s *store.Client, fp *identity.Fingerprint, bytesSent int64, now time.Time) {
	if fp.PlaySessionID == "" || fp.UserID == "" {
		return
	}
	key := activeSessionKey(fp.UserID, fp.PlaySessionID)

	rec := ActiveSessionRecord{
		DeviceID:   fp.DeviceID,
		DeviceName: fp.DeviceName,
		ClientName: fp.ClientName,
		ClientIP:   fp.ClientIP,
		StartedAt:  now.UTC().Format(time.RFC3339),
		LastSeen:   now.UTC().Format(time.RFC3339),
		BytesSent:  bytesSent,
	}

	if raw, err := s.Get(ctx, key); err == nil {
		var existing ActiveSessionRecord
		if json.Unmarshal([]byte(raw), &existing) == nil {
			rec.StartedAt = existing.StartedAt
			rec.BytesSent = existing.BytesSent + bytesSent
		}
	}

	out, _ := json.Marshal(rec)
	_ = s.SetEX(ctx, key, string(out), activeSessionTTL)
}

// RefreshActiveSession is the exported entry point used by the log-phase
// recorder after a response has been sent.
func RefreshActiveSession(ctx context.Context, s *store.Client, fp *identity.Fingerprint, bytesSent int64, now time.Time) {
	refreshActiveSession(ctx, s, fp, bytesSent, now)
}
