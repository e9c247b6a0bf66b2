package identity

import (
	"context"
	"encoding/json"
	"time"

	"mediagate/internal/store"
)

const (
	tokenMapTTL  = 7 * 24 * time.Hour
	deviceMapTTL = 7 * 24 * time.Hour
)

// TokenRecord is the value stored at token_map:<token>.
type TokenRecord struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	ClientName    string `json:"client_name"`
	ClientVersion string `json:"client_version"`
	ClientIP      string `json:"client_ip"`
	LoginTime     string `json:"login_time"`
	IsAdmin       bool   `json:"is_admin"`
}

// DeviceUserRecord is the value stored at device_user:<device_id>.
type DeviceUserRecord struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	DeviceName    string `json:"device_name"`
	ClientName    string `json:"client_name"`
	ClientVersion string `json:"client_version"`
	ResolvedFrom  string `json:"resolved_from"`
}

func tokenMapKey(token string) string  { return "token_map:" + token }
func deviceUserKey(id string) string   { return "device_user:" + id }

// Backfill applies the three back-fill rules from the identity-resolution
// subsystem: a token resolves to its captured user, a user resolves further
// fields from the token map, and a bare device id can resolve a user from
// prior active-session polling. Store errors are treated as "no data" —
// back-fill never fails the request, it just leaves fields unresolved.
func Backfill(ctx context.Context, s *store.Client, fp *Fingerprint) {
	if fp.Token != "" {
		raw, err := s.Get(ctx, tokenMapKey(fp.Token))
		if err == nil {
			var rec TokenRecord
			if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr == nil {
				if fp.UserID == "" {
					fp.UserID = rec.UserID
				}
				if fp.DeviceID == "" {
					fp.DeviceID = rec.DeviceID
				}
				if fp.DeviceName == "" {
					fp.DeviceName = rec.DeviceName
				}
				if fp.ClientName == "" {
					fp.ClientName = rec.ClientName
				}
			}
		}
		// Refresh TTL regardless of whether the lookup hit or missed content;
		// a present-but-unparseable record still shouldn't expire early.
		_ = s.Expire(ctx, tokenMapKey(fp.Token), tokenMapTTL)
	}

	if fp.UserID == "" && fp.DeviceID != "" {
		raw, err := s.Get(ctx, deviceUserKey(fp.DeviceID))
		if err == nil {
			var rec DeviceUserRecord
			if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr == nil {
				fp.UserID = rec.UserID
				if fp.DeviceName == "" {
					fp.DeviceName = rec.DeviceName
				}
			}
		}
	}
}

// PersistTokenMap writes (or overwrites) the token map entry captured from a
// successful login response, per the login-capture component.
func PersistTokenMap(ctx context.Context, s *store.Client, token string, rec TokenRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.SetEX(ctx, tokenMapKey(token), string(raw), tokenMapTTL)
}

// PersistDeviceUser writes a device-to-user fallback entry, populated only
// by the token-resolve background loop.
func PersistDeviceUser(ctx context.Context, s *store.Client, deviceID string, rec DeviceUserRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.SetEX(ctx, deviceUserKey(deviceID), string(raw), deviceMapTTL)
}
