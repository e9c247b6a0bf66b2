// Package gateway implements the reverse-proxy handler: it runs every
// request through the identity/policy pipeline, forwards allowed requests
// to the upstream media server chunk-by-chunk, intercepts login responses
// for capture, and records log-phase telemetry once the response is done.
// Grounded on the teacher's proxy.Proxy.ServeHTTP / handleStreamingDirect
// shape: read-and-forward in small chunks with a flusher, rather than
// buffering the whole body, since media responses can be large and
// long-lived.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"mediagate/internal/capture"
	"mediagate/internal/identity"
	"mediagate/internal/policy"
	"mediagate/internal/redaction"
	"mediagate/internal/snapshot"
	"mediagate/internal/storage"
	"mediagate/internal/store"
	"mediagate/internal/telemetry"
)

const upstreamTimeout = 30 * time.Second

// Gateway is the HTTP handler mounted at the public listen address.
type Gateway struct {
	store     *store.Client
	snapshots *snapshot.Store
	engine    *policy.Engine
	access    *telemetry.Buffer
	captures  *capture.Buffer
	ledger    *storage.Store // optional, nil disables ledger writes
	tp        *telemetry.Provider
	transport http.RoundTripper
	redactor  *redaction.PatternRedactor
}

// New builds a Gateway. tp and ledger may be nil (telemetry disabled /
// denial ledger disabled respectively).
func New(s *store.Client, snapshots *snapshot.Store, engine *policy.Engine, access *telemetry.Buffer, captures *capture.Buffer, ledger *storage.Store, tp *telemetry.Provider) *Gateway {
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	return &Gateway{
		store:     s,
		snapshots: snapshots,
		engine:    engine,
		access:    access,
		captures:  captures,
		ledger:    ledger,
		tp:        tp,
		transport: &http.Transport{ResponseHeaderTimeout: upstreamTimeout},
		redactor:  redaction.NewPatternRedactor(),
	}
}

// ServeHTTP runs the full request lifecycle: policy evaluation, upstream
// forwarding (or local denial response), and log-phase recording.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := g.tp.StartRequestSpan(r.Context(), clientIPFromRequest(r), r.Method, r.URL.Path)
	defer span.End()
	r = r.WithContext(ctx)

	decision := g.engine.Evaluate(ctx, r)

	if decision.Outcome != policy.OutcomeAllow {
		status, bytesOut := g.writeDecision(w, decision)
		g.recordDenial(ctx, decision)
		g.tp.EndRequestSpan(span, status, decision.Fingerprint.UserID, decision.Fingerprint.DeviceID, outcomeLabel(decision.Outcome), decision.Reason, bytesOut)
		g.logPhase(ctx, decision.Fingerprint, status, bytesOut, time.Since(start), 0)
		return
	}

	cfg := g.snapshots.Load()
	upstreamBase := ""
	if cfg != nil {
		upstreamBase = cfg.UpstreamBaseURL
	}
	if upstreamBase == "" {
		http.Error(w, "upstream not configured", http.StatusBadGateway)
		return
	}

	status, bytesOut, upstreamElapsed := g.forward(ctx, w, r, upstreamBase, decision)

	g.tp.EndRequestSpan(span, status, decision.Fingerprint.UserID, decision.Fingerprint.DeviceID, "allow", "", bytesOut)
	g.logPhase(ctx, decision.Fingerprint, status, bytesOut, time.Since(start), upstreamElapsed)
}

func clientIPFromRequest(r *http.Request) string {
	fp := identity.Extract(r)
	return fp.ClientIP
}

// writeDecision writes the deny/fake-counts response body and headers,
// returning the status code sent and the number of bytes written.
func (g *Gateway) writeDecision(w http.ResponseWriter, d *policy.Decision) (int, int64) {
	for k, v := range d.Headers() {
		w.Header().Set(k, v)
	}

	status := d.HTTPStatus
	body := d.Body
	if d.Outcome == policy.OutcomeFakeCounts {
		status = http.StatusOK
		body = policy.FakeCountsBody(d.FakeCountsValue)
	}

	w.WriteHeader(status)
	n, _ := w.Write([]byte(body))
	return status, int64(n)
}

func outcomeLabel(o policy.Outcome) string {
	switch o {
	case policy.OutcomeFakeCounts:
		return "fake_counts"
	default:
		return "deny"
	}
}

func (g *Gateway) recordDenial(ctx context.Context, d *policy.Decision) {
	if d.Outcome != policy.OutcomeDeny {
		return
	}
	// Emby/Jellyfin URLs commonly carry the api_key or access token as a
	// query parameter; neither the in-memory buffer nor the durable ledger
	// should retain it verbatim.
	uri := g.redactor.Redact(d.Fingerprint.URI)
	g.access.RecordBlocked(telemetry.BlockedLogEntry{
		Timestamp: time.Now(),
		ClientIP:  d.Fingerprint.ClientIP,
		URI:       uri,
		Reason:    d.Reason,
		UserID:    d.Fingerprint.UserID,
		DeviceID:  d.Fingerprint.DeviceID,
	})
	if g.ledger != nil {
		_ = g.ledger.RecordDenial(storage.DenialRecord{
			Timestamp:  time.Now(),
			ClientIP:   d.Fingerprint.ClientIP,
			UserID:     d.Fingerprint.UserID,
			DeviceID:   d.Fingerprint.DeviceID,
			ClientName: d.Fingerprint.ClientName,
			URI:        uri,
			Method:     d.Fingerprint.Method,
			Reason:     d.Reason,
			HTTPStatus: d.HTTPStatus,
		})
	}
}

// forward proxies the allowed request to the upstream media server,
// streaming the response chunk-by-chunk and teeing it into the login
// capture buffer when applicable.
func (g *Gateway) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, upstreamBase string, decision *policy.Decision) (status int, bytesOut int64, upstreamElapsed time.Duration) {
	target, err := url.Parse(upstreamBase)
	if err != nil {
		http.Error(w, "invalid upstream configuration", http.StatusBadGateway)
		return http.StatusBadGateway, 0, 0
	}
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusBadGateway)
		return http.StatusBadGateway, 0, 0
	}
	outReq.Header = r.Header.Clone()
	outReq.Host = target.Host

	requestID := uuid.NewString()
	isLogin := capture.IsLoginPath(r.URL.Path)

	upstreamStart := time.Now()
	resp, err := g.transport.RoundTrip(outReq)
	if err != nil {
		slog.Warn("gateway: upstream request failed", "error", err, "path", r.URL.Path)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return http.StatusBadGateway, 0, time.Since(upstreamStart)
	}
	defer resp.Body.Close()
	upstreamElapsed = time.Since(upstreamStart)

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	capturing := isLogin && resp.StatusCode == http.StatusOK
	if capturing {
		g.captures.BeginCapture(requestID, capture.RequestIdentity{
			DeviceID:      decision.Fingerprint.DeviceID,
			DeviceName:    decision.Fingerprint.DeviceName,
			ClientName:    decision.Fingerprint.ClientName,
			ClientVersion: decision.Fingerprint.ClientVersion,
			ClientIP:      decision.Fingerprint.ClientIP,
		})
	}

	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, writeErr := w.Write(chunk); writeErr != nil {
				break
			}
			bytesOut += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
			if capturing {
				g.captures.Append(requestID, chunk)
			}
		}
		if readErr != nil {
			break
		}
	}

	if capturing {
		g.finishLoginCapture(ctx, requestID)
	}

	return resp.StatusCode, bytesOut, upstreamElapsed
}

func (g *Gateway) finishLoginCapture(ctx context.Context, requestID string) {
	result, ident, ok := g.captures.Finish(requestID)
	if !ok {
		return
	}

	rec := identity.TokenRecord{
		UserID:        result.UserID,
		Username:      result.Username,
		DeviceID:      ident.DeviceID,
		DeviceName:    ident.DeviceName,
		ClientName:    ident.ClientName,
		ClientVersion: ident.ClientVersion,
		ClientIP:      ident.ClientIP,
		LoginTime:     time.Now().UTC().Format(time.RFC3339),
		IsAdmin:       result.IsAdmin,
	}
	if err := identity.PersistTokenMap(ctx, g.store, result.AccessToken, rec); err != nil {
		slog.Warn("gateway: persisting token map failed", "error", err)
	}

	report := capture.Report{
		EventType:     "login",
		EmbyUserID:    result.UserID,
		EmbyUsername:  result.Username,
		DeviceID:      ident.DeviceID,
		DeviceName:    ident.DeviceName,
		ClientName:    ident.ClientName,
		ClientVersion: ident.ClientVersion,
		ClientIP:      ident.ClientIP,
		Success:       true,
	}
	if err := capture.PersistLoginReport(ctx, g.store, requestID, report); err != nil {
		slog.Warn("gateway: persisting login report failed", "error", err)
	}
}

func (g *Gateway) logPhase(ctx context.Context, fp identity.Fingerprint, status int, bytesOut int64, requestTime, upstreamTime time.Duration) {
	g.access.RecordAccess(telemetry.AccessLogEntry{
		Timestamp:     time.Now(),
		ClientIP:      fp.ClientIP,
		URI:           g.redactor.Redact(fp.URI),
		Method:        fp.Method,
		Status:        status,
		BytesSent:     bytesOut,
		RequestTime:   requestTime,
		UpstreamTime:  upstreamTime,
		UserID:        fp.UserID,
		DeviceID:      fp.DeviceID,
		ClientName:    fp.ClientName,
		ClientVersion: fp.ClientVersion,
	})

	policy.RunLogPhase(ctx, g.store, policy.LogPhaseResult{
		Fingerprint:  fp,
		Status:       status,
		BytesSent:    bytesOut,
		RequestTime:  requestTime,
		UpstreamTime: upstreamTime,
	})
}

// HealthHandler serves GET /health with a bare HTTP 200, per spec §6.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
