package agent

import (
	"context"
	"log/slog"

	"mediagate/internal/identity"
)

// tokenResolveTick implements spec §4.6's optional token-resolve loop: when
// upstream API credentials are configured, poll the media server's session
// list and populate device_user:<device_id> for any device without an
// existing mapping.
func (a *Agent) tokenResolveTick(ctx context.Context) {
	sessions, err := a.httpClient.Sessions(ctx)
	if err != nil {
		slog.Warn("token resolve: upstream sessions fetch failed", "error", err)
		return
	}

	for _, sess := range sessions {
		if sess.UserID == "" || sess.DeviceID == "" {
			continue
		}
		exists, err := a.store.Exists(ctx, "device_user:"+sess.DeviceID)
		if err != nil || exists {
			continue
		}
		rec := identity.DeviceUserRecord{
			UserID:       sess.UserID,
			ResolvedFrom: "token_resolve",
		}
		if err := identity.PersistDeviceUser(ctx, a.store, sess.DeviceID, rec); err != nil {
			slog.Warn("token resolve: persisting device_user mapping failed", "device_id", sess.DeviceID, "error", err)
		}
	}
}
