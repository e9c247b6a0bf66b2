// Package policy implements the access-decision pipeline: URI rules,
// identity back-fill, enforcement directives, rate limiting, quota checks,
// the concurrent-stream admission gate, client whitelist, and fake-count
// interception. It is invoked once per request in the access phase and
// again, in a much smaller form, in the log phase after the response has
// been sent.
package policy

import "mediagate/internal/identity"

// Outcome classifies how the pipeline wants the request handled.
type Outcome int

const (
	// OutcomeAllow forwards the request upstream unmodified.
	OutcomeAllow Outcome = iota
	// OutcomeDeny short-circuits with a denial response.
	OutcomeDeny
	// OutcomeFakeCounts short-circuits with a synthesized counts response.
	OutcomeFakeCounts
)

// Decision is the result of running the pipeline against one request.
type Decision struct {
	Outcome Outcome

	// Populated when Outcome == OutcomeDeny.
	HTTPStatus int
	Body       string
	Reason     string // for blocked-log telemetry

	// Populated when Outcome == OutcomeFakeCounts.
	FakeCountsValue int

	// Populated on allow or throttle-and-continue and carried on the
	// Decision only; the gateway's forward path does not read it, so no
	// byte-rate cap is applied. Zero means "no throttle".
	ThrottleRateBPS int64

	// Fingerprint is always populated once stage 3 has run, for use by the
	// log-phase recorder regardless of outcome.
	Fingerprint identity.Fingerprint
}

// denyHeaders are applied to every denial and fake-counts response per the
// access-pipeline's header contract.
var denyHeaders = map[string]string{
	"X-DetailPreload-Bytes": "-1",
	"Cache-Control":         "no-store, no-cache, must-revalidate",
}

// Headers returns the header set the transport must apply for this
// decision, including Content-Type which varies by outcome.
func (d *Decision) Headers() map[string]string {
	h := make(map[string]string, len(denyHeaders)+1)
	for k, v := range denyHeaders {
		h[k] = v
	}
	switch d.Outcome {
	case OutcomeFakeCounts:
		h["Content-Type"] = "application/json"
	case OutcomeDeny:
		h["Content-Type"] = "text/plain; charset=utf-8"
	}
	return h
}

func allow(fp identity.Fingerprint) *Decision {
	return &Decision{Outcome: OutcomeAllow, Fingerprint: fp}
}

func allowThrottled(fp identity.Fingerprint, bps int64) *Decision {
	return &Decision{Outcome: OutcomeAllow, Fingerprint: fp, ThrottleRateBPS: bps}
}

func deny(fp identity.Fingerprint, status int, reason, body string) *Decision {
	return &Decision{
		Outcome:    OutcomeDeny,
		HTTPStatus: status,
		Body:       body,
		Reason:     reason,
		Fingerprint: fp,
	}
}
