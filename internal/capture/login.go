// Package capture implements the login response interception component:
// a two-phase inline hook that watches responses to the authentication
// endpoints, buffers the body, and on completion learns the token→user
// binding without ever altering the bytes sent to the client.
package capture

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"mediagate/internal/store"
)

const (
	maxBufferSize       = 1 << 20 // 1MiB per in-flight capture, mirrors the teacher's bounded-capture discipline
	maxConcurrentInFlight = 256
)

var loginPathRe = regexp.MustCompile(`(?i)^/Users/(AuthenticateByName|AuthenticateWithQuickConnect)$`)

// IsLoginPath reports whether a request path is one of the two
// authentication endpoints this component watches (case-insensitive).
func IsLoginPath(path string) bool {
	return loginPathRe.MatchString(path)
}

// RequestIdentity carries the header-derived identity known at request
// time, merged with the response body's fields once captured.
type RequestIdentity struct {
	DeviceID      string
	DeviceName    string
	ClientName    string
	ClientVersion string
	ClientIP      string
}

// LoginResult is what AuthenticateByName / AuthenticateWithQuickConnect
// responses yield once successfully decoded.
type LoginResult struct {
	AccessToken string
	UserID      string
	Username    string
	IsAdmin     bool
}

type loginResponseBody struct {
	AccessToken string `json:"AccessToken"`
	User        struct {
		ID      string `json:"Id"`
		Name    string `json:"Name"`
		Policy  struct {
			IsAdministrator bool `json:"IsAdministrator"`
		} `json:"Policy"`
	} `json:"User"`
	SessionInfo struct {
		ID string `json:"Id"`
	} `json:"SessionInfo"`
}

// inflight tracks one response body being accumulated for a single request.
type inflight struct {
	buf      []byte
	identity RequestIdentity
}

// Buffer is the bounded, mutex-guarded body-accumulation store keyed by an
// opaque per-request correlation id (the gateway generates a UUID per
// request). Grounded on the teacher's CaptureBuffer:
// same bound-and-truncate discipline, generalized from session-keyed
// capture to request-keyed capture since there is no long-lived session
// object in this domain.
type Buffer struct {
	mu      sync.Mutex
	entries map[string]*inflight
}

// NewBuffer creates an empty capture buffer.
func NewBuffer() *Buffer {
	return &Buffer{entries: make(map[string]*inflight)}
}

// BeginCapture marks a request for body capture (header phase): only called
// once the response status line has already been observed as 200 for a
// login path, per spec §4.4.
func (b *Buffer) BeginCapture(requestID string, ident RequestIdentity) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= maxConcurrentInFlight {
		// Bound total memory use under a flood of concurrent logins; the
		// oldest-looking entry isn't tracked by insertion order here, so
		// simply refuse new captures until some drain via Finish/Abort.
		return
	}
	b.entries[requestID] = &inflight{identity: ident}
}

// Append accumulates one response-body chunk (body phase).
func (b *Buffer) Append(requestID string, chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[requestID]
	if !ok {
		return
	}
	if room := maxBufferSize - len(e.buf); len(chunk) > room {
		if room < 0 {
			room = 0
		}
		chunk = chunk[:room]
	}
	e.buf = append(e.buf, chunk...)
}

// Abort discards a capture without attempting to parse it (used when the
// header phase never actually began, or the request never finished).
func (b *Buffer) Abort(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, requestID)
}

// Finish concatenates the accumulated body, JSON-decodes it, and removes the
// in-flight entry regardless of success. Malformed JSON is reported via ok=false
// and must be logged by the caller, never surfaced to the client — the
// response bytes have already been forwarded unmodified.
func (b *Buffer) Finish(requestID string) (LoginResult, RequestIdentity, bool) {
	b.mu.Lock()
	e, ok := b.entries[requestID]
	if ok {
		delete(b.entries, requestID)
	}
	b.mu.Unlock()

	if !ok {
		return LoginResult{}, RequestIdentity{}, false
	}

	var body loginResponseBody
	if err := json.Unmarshal(e.buf, &body); err != nil {
		return LoginResult{}, e.identity, false
	}
	if body.AccessToken == "" || body.User.ID == "" {
		return LoginResult{}, e.identity, false
	}

	return LoginResult{
		AccessToken: body.AccessToken,
		UserID:      body.User.ID,
		Username:    body.User.Name,
		IsAdmin:     body.User.Policy.IsAdministrator,
	}, e.identity, true
}

// reportTTL bounds how long an unflushed login report may sit in the store
// before the telemetry-flush loop picks it up (spec §3/§4.4), well above
// the 60s flush interval so a single missed tick doesn't lose it.
const reportTTL = 10 * time.Minute

// Report is the durable record of one completed login capture, staged in
// the shared store under a token_report:* key for the telemetry-flush loop
// to drain and forward as a login event (spec §4.6). Field names mirror the
// control-plane login event body so the agent can decode it directly.
type Report struct {
	EventType     string `json:"event_type"`
	EmbyUserID    string `json:"emby_user_id"`
	EmbyUsername  string `json:"emby_username"`
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	ClientName    string `json:"client_name"`
	ClientVersion string `json:"client_version"`
	ClientIP      string `json:"client_ip"`
	Success       bool   `json:"success"`
}

func tokenReportKey(requestID string) string {
	return "token_report:" + requestID
}

// PersistLoginReport stages a completed (or failed) login capture for the
// background agent to forward to the control plane.
func PersistLoginReport(ctx context.Context, s *store.Client, requestID string, r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.SetEX(ctx, tokenReportKey(requestID), string(payload), reportTTL)
}
