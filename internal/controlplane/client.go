// Package controlplane is the HTTP client the background agent uses to pull
// policy snapshots from and push telemetry to the UHDAdmin control plane.
// Every call carries the shared App-token bearer header and a bounded
// deadline, grounded on the wider pack's practice of a small client wrapper
// around *http.Client rather than reinventing transport per call site.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"mediagate/internal/gatewayerr"
)

const defaultTimeout = 10 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL   string // e.g. https://admin.example.com/api/v1/media-slave
	AppToken  string
	UserAgent string // defaults to "UHDSlave/1.0"
	Timeout   time.Duration
}

// Client talks to the control plane's media-slave API.
type Client struct {
	base      *url.URL
	appToken  string
	userAgent string
	http      *http.Client
}

// New builds a Client. BaseURL must be an absolute URL. The "/../slave/..."
// telemetry endpoints are not stored separately: doTelemetryJSON computes
// each one per call with path.Join and path.Clean over the base path, which
// collapses the ".." segment so no literal "/../" is ever sent.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("controlplane: invalid base url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("controlplane: base url must be absolute, got %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "UHDSlave/1.0"
	}

	return &Client{
		base:      base,
		appToken:  cfg.AppToken,
		userAgent: userAgent,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

// ConfigVersionResponse is GET /config/version's data payload.
type ConfigVersionResponse struct {
	Version    int64  `json:"version"`
	HasUpdate  bool   `json:"has_update"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// ConfigResponse is GET /config's data payload.
type ConfigResponse struct {
	Version         int64           `json:"version"`
	ServiceType     string          `json:"service_type"`
	LuaConfig       json.RawMessage `json:"lua_config"`
	RateLimitConfig json.RawMessage `json:"rate_limit_config"`
}

// RateLimitsResponse is GET /rate-limits's data payload.
type RateLimitsResponse struct {
	Rules        json.RawMessage `json:"rules"`
	Enforcements json.RawMessage `json:"enforcements"`
}

// QuotaSyncResponse is POST .../quota-sync's data payload.
type QuotaSyncResponse struct {
	Remaining    json.RawMessage `json:"remaining"`
	Enforcements json.RawMessage `json:"enforcements"`
}

type envelope[T any] struct {
	Data T `json:"data"`
}

// GetConfigVersion polls the current remote snapshot version.
func (c *Client) GetConfigVersion(ctx context.Context) (ConfigVersionResponse, error) {
	var env envelope[ConfigVersionResponse]
	if err := c.doJSON(ctx, http.MethodGet, "/config/version", nil, &env); err != nil {
		return ConfigVersionResponse{}, err
	}
	return env.Data, nil
}

// GetConfig fetches the full policy snapshot.
func (c *Client) GetConfig(ctx context.Context) (ConfigResponse, error) {
	var env envelope[ConfigResponse]
	if err := c.doJSON(ctx, http.MethodGet, "/config", nil, &env); err != nil {
		return ConfigResponse{}, err
	}
	return env.Data, nil
}

// AckSnapshot confirms a snapshot was applied.
func (c *Client) AckSnapshot(ctx context.Context, snapshotID, status string) error {
	body := map[string]string{"snapshot_id": snapshotID, "status": status}
	return c.doJSON(ctx, http.MethodPost, "/ack", body, nil)
}

// HeartbeatMetadata is the free-form metadata attached to /heartbeat.
type HeartbeatMetadata struct {
	AccessLogCount  int `json:"access_log_count"`
	BlockedLogCount int `json:"blocked_log_count"`
	ActiveSessions  int `json:"active_sessions"`
}

// Heartbeat reports process liveness and the snapshot version currently in
// effect.
func (c *Client) Heartbeat(ctx context.Context, agentVersion string, currentConfigVersion int64, status string, meta HeartbeatMetadata) error {
	body := map[string]any{
		"agent_version":         agentVersion,
		"current_config_version": currentConfigVersion,
		"status":                status,
		"metadata":              meta,
	}
	return c.doJSON(ctx, http.MethodPost, "/heartbeat", body, nil)
}

// GetRateLimits refreshes the rate-limit rule set and enforcement overlay
// out of band from the main config pull loop.
func (c *Client) GetRateLimits(ctx context.Context) (RateLimitsResponse, error) {
	var env envelope[RateLimitsResponse]
	if err := c.doJSON(ctx, http.MethodGet, "/rate-limits", nil, &env); err != nil {
		return RateLimitsResponse{}, err
	}
	return env.Data, nil
}

// PushAccessLogs ships a batch of access-log entries.
func (c *Client) PushAccessLogs(ctx context.Context, entries []json.RawMessage) error {
	return c.doTelemetry(ctx, "access-logs", map[string]any{"entries": entries})
}

// PushBlockedRequests ships a batch of blocked-request entries.
func (c *Client) PushBlockedRequests(ctx context.Context, entries []json.RawMessage) error {
	return c.doTelemetry(ctx, "blocked-requests", map[string]any{"entries": entries})
}

// LoginEvent is the body posted to .../slave/telemetry/login.
type LoginEvent struct {
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

// PushLogin reports a captured login outcome.
func (c *Client) PushLogin(ctx context.Context, ev LoginEvent) error {
	return c.doTelemetry(ctx, "login", ev)
}

// PushQuotaSync ships the daily/monthly counters for req+bw axes and
// returns the updated remaining-mirrors and enforcement set.
func (c *Client) PushQuotaSync(ctx context.Context, counters []json.RawMessage) (QuotaSyncResponse, error) {
	var env envelope[QuotaSyncResponse]
	if err := c.doTelemetryJSON(ctx, "quota-sync", map[string]any{"counters": counters}, &env); err != nil {
		return QuotaSyncResponse{}, err
	}
	return env.Data, nil
}

// SessionSnapshot is one entry of the realtime/heartbeat payload.
type SessionSnapshot struct {
	UserID        string `json:"user_id"`
	PlaySessionID string `json:"play_session_id"`
	DeviceID      string `json:"device_id"`
	StartedAt     string `json:"started_at"`
	LastSeen      string `json:"last_seen"`
}

// PushSessionHeartbeat reports the locally known active sessions for
// eventual cross-instance awareness.
func (c *Client) PushSessionHeartbeat(ctx context.Context, sessions []SessionSnapshot) error {
	return c.doTelemetry(ctx, "realtime/heartbeat", map[string]any{"sessions": sessions})
}

func (c *Client) doTelemetry(ctx context.Context, subpath string, body any) error {
	return c.doTelemetryJSON(ctx, subpath, body, nil)
}

// doTelemetryJSON targets the telemetry endpoints, which the spec describes
// as literally composed with a "/../slave/telemetry/..." suffix appended to
// the media-slave base path (e.g. ".../media-slave/../slave/telemetry/...").
// Rather than reproduce that literally and rely on the server to normalize
// it, the canonical path is computed once here with path.Clean/path.Join —
// same resulting route, resolved correctly at the client.
func (c *Client) doTelemetryJSON(ctx context.Context, subpath string, body any, out any) error {
	target := *c.base
	target.Path = path.Clean(path.Join(c.base.Path, "..", "slave", "telemetry", subpath))
	return c.doRequestJSON(ctx, http.MethodPost, &target, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, subpath string, body any, out any) error {
	target := *c.base
	target.Path = path.Join(c.base.Path, subpath)
	return c.doRequestJSON(ctx, method, &target, body, out)
}

func (c *Client) doRequestJSON(ctx context.Context, method string, target *url.URL, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("controlplane: encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("controlplane: building request: %w", err)
	}
	req.Header.Set("Authorization", "App "+c.appToken)
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &gatewayerr.ControlPlaneUnreachable{Op: target.Path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("controlplane: reading response from %s: %w", target.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("controlplane: %s returned status %d: %s", target.Path, resp.StatusCode, truncate(respBody, 256))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &gatewayerr.ParseError{Op: target.Path, Err: err}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
