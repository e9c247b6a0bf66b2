package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetConfigVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/media-slave/config/version" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "App secret" {
			t.Errorf("unexpected auth header: %s", got)
		}
		w.Write([]byte(`{"data":{"version":7,"has_update":true,"snapshot_id":"snap-1"}}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/api/v1/media-slave", AppToken: "secret"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resp, err := c.GetConfigVersion(context.Background())
	if err != nil {
		t.Fatalf("GetConfigVersion failed: %v", err)
	}
	if resp.Version != 7 || !resp.HasUpdate || resp.SnapshotID != "snap-1" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestTelemetryPathResolvesOutOfMediaSlave(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/api/v1/media-slave", AppToken: "secret"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := c.PushAccessLogs(context.Background(), nil); err != nil {
		t.Fatalf("PushAccessLogs failed: %v", err)
	}
	want := "/api/v1/slave/telemetry/access-logs"
	if gotPath != want {
		t.Errorf("expected resolved path %q, got %q", want, gotPath)
	}
}

func TestAckSnapshotSendsBody(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/api/v1/media-slave", AppToken: "secret"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := c.AckSnapshot(context.Background(), "snap-1", "applied"); err != nil {
		t.Fatalf("AckSnapshot failed: %v", err)
	}
	if received["snapshot_id"] != "snap-1" || received["status"] != "applied" {
		t.Errorf("unexpected body: %+v", received)
	}
}

func TestNonSuccessStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/api/v1/media-slave", AppToken: "secret"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := c.GetConfig(context.Background()); err == nil {
		t.Error("expected error on 500 response")
	}
}

func TestNewRejectsRelativeBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "/not-absolute", AppToken: "x"}); err == nil {
		t.Error("expected error for non-absolute base URL")
	}
}
