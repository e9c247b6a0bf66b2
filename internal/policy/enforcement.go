package policy

import (
	"context"
	"encoding/json"

	"mediagate/internal/identity"
	"mediagate/internal/store"
)

// enforcementResult is the outcome of stage 4.
type enforcementResult struct {
	denied          bool
	reason          string
	throttleRateBPS int64
}

func enforceKey(dim, val string) string {
	return "enforce:" + dim + ":" + val
}

// checkEnforcement reads enforce:<dim>:<val> for each of the request's
// resolved dimensions (ip always present, user/device when resolved). A
// reject directive denies immediately; a throttle directive is stashed for
// the transport layer and evaluation continues to later stages.
func checkEnforcement(ctx context.Context, s *store.Client, fp *identity.Fingerprint) enforcementResult {
	dims := [][2]string{{"ip", fp.ClientIP}}
	if fp.UserID != "" {
		dims = append(dims, [2]string{"user", fp.UserID})
	}
	if fp.DeviceID != "" {
		dims = append(dims, [2]string{"device", fp.DeviceID})
	}

	var throttleBPS int64
	for _, dv := range dims {
		raw, err := s.Get(ctx, enforceKey(dv[0], dv[1]))
		if err != nil {
			continue
		}
		var directive struct {
			Action          string `json:"action"`
			Reason          string `json:"reason"`
			ThrottleRateBPS int64  `json:"throttle_rate_bps"`
		}
		if json.Unmarshal([]byte(raw), &directive) != nil {
			continue
		}
		switch directive.Action {
		case "reject":
			reason := directive.Reason
			if reason == "" {
				reason = "enforcement_reject"
			}
			return enforcementResult{denied: true, reason: reason}
		case "throttle":
			if directive.ThrottleRateBPS > 0 {
				throttleBPS = directive.ThrottleRateBPS
			}
		}
	}
	return enforcementResult{throttleRateBPS: throttleBPS}
}
