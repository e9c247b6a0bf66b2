// Package control implements the local admin HTTP API: runtime stats,
// active-session listing (plus a read-only WebSocket push feed of the
// same), the denial-ledger query endpoints, and the policy audit-mode
// toggle. It is mounted on its own listen address (spec §6
// GATE_CONTROL_LISTEN), separate from the public gateway handler.
// Grounded on the teacher's control.Handler: same mux-plus-Bearer/API-key
// auth shape, with the session-manager/dashboard/voice endpoints replaced
// by this domain's stats/sessions/denials/audit-mode set.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mediagate/internal/policy"
	"mediagate/internal/sessionwatch"
	"mediagate/internal/snapshot"
	"mediagate/internal/storage"
	"mediagate/internal/store"
	"mediagate/internal/telemetry"
)

// Handler serves the admin control API.
type Handler struct {
	store     *store.Client
	snapshots *snapshot.Store
	engine    *policy.Engine
	access    *telemetry.Buffer
	ledger    *storage.Store // optional, nil disables the denial-ledger endpoints
	watch     *sessionwatch.Hub

	mux *http.ServeMux

	authEnabled bool
	apiKey      string
}

// Config controls auth for the control API.
type Config struct {
	AuthEnabled bool
	APIKey      string
}

// New builds a control API handler. ledger may be nil.
func New(s *store.Client, snapshots *snapshot.Store, engine *policy.Engine, access *telemetry.Buffer, ledger *storage.Store, cfg Config) *Handler {
	h := &Handler{
		store:       s,
		snapshots:   snapshots,
		engine:      engine,
		access:      access,
		ledger:      ledger,
		watch:       sessionwatch.NewHub(s),
		mux:         http.NewServeMux(),
		authEnabled: cfg.AuthEnabled,
		apiKey:      cfg.APIKey,
	}

	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/stats", h.handleStats)
	h.mux.HandleFunc("/control/sessions", h.handleSessions)
	h.mux.HandleFunc("/control/sessions/watch", h.watch.ServeHTTP)
	h.mux.HandleFunc("/control/policy/audit", h.handleAuditMode)
	h.mux.HandleFunc("/control/denials", h.handleDenials)
	h.mux.HandleFunc("/control/denials/stats", h.handleDenialStats)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.authEnabled && !h.checkAuth(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="mediagate control API"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":   "unauthorized",
			"message": "valid API key required via 'Authorization: Bearer <key>' or 'X-API-Key'",
		})
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) checkAuth(r *http.Request) bool {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			if strings.TrimPrefix(auth, "Bearer ") == h.apiKey {
				return true
			}
		} else if auth == h.apiKey {
			return true
		}
	}
	return r.Header.Get("X-API-Key") == h.apiKey
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statsResponse mirrors the fields the control-plane heartbeat already
// reports, plus the locally-held audit-mode flag.
type statsResponse struct {
	ConfigVersion  int64  `json:"config_version"`
	ServiceType    string `json:"service_type"`
	AccessQueued   int    `json:"access_queued"`
	BlockedQueued  int    `json:"blocked_queued"`
	DroppedAccess  int64  `json:"dropped_access"`
	DroppedBlocked int64  `json:"dropped_blocked"`
	AuditMode      bool   `json:"audit_mode"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.snapshots.Load()
	resp := statsResponse{AuditMode: h.engine.AuditMode()}
	if cfg != nil {
		resp.ConfigVersion = cfg.Version
		resp.ServiceType = cfg.ServiceType
	}
	st := h.access.Stats()
	resp.AccessQueued = st.AccessQueued
	resp.BlockedQueued = st.BlockedQueued
	resp.DroppedAccess = st.DroppedAccess
	resp.DroppedBlocked = st.DroppedBlocked

	writeJSON(w, http.StatusOK, resp)
}

// sessionInfo is the JSON shape returned per active session.
type sessionInfo struct {
	UserID        string `json:"user_id"`
	PlaySessionID string `json:"play_session_id"`
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	ClientName    string `json:"client_name"`
	ClientIP      string `json:"client_ip"`
	StartedAt     string `json:"started_at"`
	LastSeen      string `json:"last_seen"`
	BytesSent     int64  `json:"bytes_sent"`
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sessions, err := sessionwatch.ListActiveSessions(ctx, h.store)
	if err != nil {
		slog.Error("control: list active sessions failed", "error", err)
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}

	out := make([]sessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionInfo{
			UserID:        s.UserID,
			PlaySessionID: s.PlaySessionID,
			DeviceID:      s.Record.DeviceID,
			DeviceName:    s.Record.DeviceName,
			ClientName:    s.Record.ClientName,
			ClientIP:      s.Record.ClientIP,
			StartedAt:     s.Record.StartedAt,
			LastSeen:      s.Record.LastSeen,
			BytesSent:     s.Record.BytesSent,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":    len(out),
		"sessions": out,
	})
}

// handleAuditMode handles GET (current state) and POST {"enabled": bool}
// (toggle) for /control/policy/audit.
func (h *Handler) handleAuditMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.engine.AuditMode()})
	case http.MethodPost:
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		h.engine.SetAuditMode(body.Enabled)
		slog.Info("control: policy audit mode changed", "enabled", body.Enabled)
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleDenials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.ledger == nil {
		http.Error(w, "denial ledger not enabled", http.StatusServiceUnavailable)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	denials, err := h.ledger.RecentDenials(limit)
	if err != nil {
		slog.Error("control: query recent denials failed", "error", err)
		http.Error(w, "failed to query denials", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(denials),
		"denials": denials,
	})
}

func (h *Handler) handleDenialStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.ledger == nil {
		http.Error(w, "denial ledger not enabled", http.StatusServiceUnavailable)
		return
	}

	counts, err := h.ledger.DenialCountsByReason()
	if err != nil {
		slog.Error("control: query denial stats failed", "error", err)
		http.Error(w, "failed to query denial stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"by_reason": counts})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("control: failed to encode response", "error", err)
	}
}
