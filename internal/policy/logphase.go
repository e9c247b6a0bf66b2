package policy

import (
	"context"
	"time"

	"mediagate/internal/identity"
	"mediagate/internal/store"
)

// LogPhaseResult is what the log-phase recorder needs from the completed
// request to do its bookkeeping; the gateway handler builds this from
// response-writer counters once the response has been fully sent.
type LogPhaseResult struct {
	Fingerprint  identity.Fingerprint
	Status       int
	BytesSent    int64
	RequestTime  time.Duration
	UpstreamTime time.Duration
}

// RunLogPhase performs the three store-mutating steps of the log-phase
// recorder: active-session refresh, quota counter increments, and
// remaining-mirror decrements. Telemetry emission (step 1) is handled by
// the telemetry package, which the gateway calls separately so this
// function has no dependency on the telemetry buffer's shape.
func RunLogPhase(ctx context.Context, s *store.Client, res LogPhaseResult) {
	now := time.Now()
	RefreshActiveSession(ctx, s, &res.Fingerprint, res.BytesSent, now)
	IncrementQuotaCounters(ctx, s, &res.Fingerprint, res.BytesSent, now)
	DecrementRemainingMirrors(ctx, s, &res.Fingerprint, res.BytesSent)
}
