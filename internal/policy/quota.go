package policy

import (
	"context"
	"fmt"
	"time"

	"mediagate/internal/identity"
	"mediagate/internal/store"
)

// quotaPeriods are the windows the remaining-capacity mirror is checked
// across; the minimum present value wins (spec §4.3 stage 6).
var quotaPeriods = []string{"daily", "weekly", "monthly"}

func remainKey(axis, dim, val, period string) string {
	return fmt.Sprintf("remain:%s:%s:%s:%s", axis, dim, val, period)
}

func quotaCounterKey(axis, dim, val, period, periodKey string) string {
	return fmt.Sprintf("quota:%s:%s:%s:%s:%s", axis, dim, val, period, periodKey)
}

// periodKey returns the UTC period key for the given period type, as used
// in quota counter keys (daily -> yyyy-mm-dd, monthly -> yyyy-mm).
func periodKey(period string, now time.Time) string {
	now = now.UTC()
	switch period {
	case "daily", "weekly":
		return now.Format("2006-01-02")
	case "monthly":
		return now.Format("2006-01")
	default:
		return now.Format("2006-01-02")
	}
}

func periodTTL(period string) time.Duration {
	switch period {
	case "daily", "weekly":
		return 86400 * time.Second
	case "monthly":
		return 2678400 * time.Second
	default:
		return 86400 * time.Second
	}
}

// quotaDimensions returns the (dimension, value) pairs to check/increment
// for a fingerprint, skipping dimensions with no resolved value.
func quotaDimensions(fp *identity.Fingerprint) [][2]string {
	dims := [][2]string{{"ip", fp.ClientIP}}
	if fp.UserID != "" {
		dims = append(dims, [2]string{"user", fp.UserID})
	}
	if fp.DeviceID != "" {
		dims = append(dims, [2]string{"device", fp.DeviceID})
	}
	return dims
}

// quotaRemainingResult is the outcome of stage 6.
type quotaRemainingResult struct {
	denied bool
}

// checkQuotaRemaining reads remain:req and remain:bw mirrors across all
// periods for each resolved dimension, taking the minimum present value per
// axis. A present value <= 0 denies; an absent mirror means no quota is
// configured for that key and never denies. All mirror reads for a
// fingerprint are submitted as a single store.Pipeline batch rather than one
// Get per key, since stage 6 otherwise issues up to 2 axes * 3 periods * N
// dimensions round trips on every request.
func checkQuotaRemaining(ctx context.Context, s *store.Client, fp *identity.Fingerprint) quotaRemainingResult {
	dims := quotaDimensions(fp)
	axes := []string{"req", "bw"}

	ops := make([]store.PipelineOp, 0, len(dims)*len(axes)*len(quotaPeriods))
	for _, dv := range dims {
		dim, val := dv[0], dv[1]
		for _, axis := range axes {
			for _, period := range quotaPeriods {
				ops = append(ops, store.PipelineOp{Kind: "get", Key: remainKey(axis, dim, val, period)})
			}
		}
	}
	if len(ops) == 0 {
		return quotaRemainingResult{}
	}

	results, err := s.Pipeline(ctx, ops)
	if err != nil {
		return quotaRemainingResult{} // transient store failure: fail open, per spec §5
	}

	i := 0
	for range dims {
		for range axes {
			minSeen := int64(-1)
			sawAny := false
			for range quotaPeriods {
				r := results[i]
				i++
				if r.Err != nil {
					continue // absent or transient: treated as "no data"
				}
				var n int64
				if _, scanErr := fmt.Sscanf(r.Value, "%d", &n); scanErr != nil {
					continue
				}
				if !sawAny || n < minSeen {
					minSeen = n
				}
				sawAny = true
			}
			if sawAny && minSeen <= 0 {
				return quotaRemainingResult{denied: true}
			}
		}
	}
	return quotaRemainingResult{}
}

// IncrementQuotaCounters runs the log-phase quota bookkeeping: increments
// quota:req by 1 and quota:bw by bytesSent for each resolved dimension,
// across the daily and monthly periods, refreshing the period TTL.
func IncrementQuotaCounters(ctx context.Context, s *store.Client, fp *identity.Fingerprint, bytesSent int64, now time.Time) {
	for _, dv := range quotaDimensions(fp) {
		dim, val := dv[0], dv[1]
		for _, period := range []string{"daily", "monthly"} {
			pk := periodKey(period, now)
			reqKey := quotaCounterKey("req", dim, val, period, pk)
			if _, err := s.IncrBy(ctx, reqKey, 1); err == nil {
				_ = s.Expire(ctx, reqKey, periodTTL(period))
			}
			if bytesSent > 0 {
				bwKey := quotaCounterKey("bw", dim, val, period, pk)
				if _, err := s.IncrBy(ctx, bwKey, bytesSent); err == nil {
					_ = s.Expire(ctx, bwKey, periodTTL(period))
				}
			}
		}
	}
}

// DecrementRemainingMirrors runs the log-phase mirror decrement: every
// resolved dimension's remain:req and remain:bw keys are decremented by 1
// and bytesSent respectively, across all three periods. A decrement against
// a missing key is a harmless no-op (spec §4.5 step 4); this is also the
// source of the documented spurious-negative-mirror open question. Negative
// values are left in place; the stage-6 check above treats any present value
// <= 0, negative included, as exhausted.
func DecrementRemainingMirrors(ctx context.Context, s *store.Client, fp *identity.Fingerprint, bytesSent int64) {
	for _, dv := range quotaDimensions(fp) {
		dim, val := dv[0], dv[1]
		for _, period := range quotaPeriods {
			reqKey := remainKey("req", dim, val, period)
			if exists, _ := s.Exists(ctx, reqKey); exists {
				_, _ = s.IncrBy(ctx, reqKey, -1)
			}
			if bytesSent > 0 {
				bwKey := remainKey("bw", dim, val, period)
				if exists, _ := s.Exists(ctx, bwKey); exists {
					_, _ = s.IncrBy(ctx, bwKey, -bytesSent)
				}
			}
		}
	}
}
