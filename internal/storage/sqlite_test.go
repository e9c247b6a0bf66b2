package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAndRecentDenials(t *testing.T) {
	s := newTestStore(t)

	err := s.RecordDenial(DenialRecord{
		Timestamp:  time.Now(),
		ClientIP:   "203.0.113.1",
		UserID:     "U1",
		URI:        "/Items/Counts",
		Method:     "GET",
		Reason:     "uri_blocked",
		HTTPStatus: 403,
	})
	if err != nil {
		t.Fatalf("RecordDenial failed: %v", err)
	}

	recent, err := s.RecentDenials(10)
	if err != nil {
		t.Fatalf("RecentDenials failed: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 denial, got %d", len(recent))
	}
	if recent[0].Reason != "uri_blocked" || recent[0].UserID != "U1" {
		t.Errorf("unexpected record: %+v", recent[0])
	}
}

func TestStore_RecentDenialsOrderedNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for _, reason := range []string{"first", "second", "third"} {
		if err := s.RecordDenial(DenialRecord{
			Timestamp: time.Now(), ClientIP: "10.0.0.1", URI: "/x", Method: "GET",
			Reason: reason, HTTPStatus: 403,
		}); err != nil {
			t.Fatalf("RecordDenial(%s) failed: %v", reason, err)
		}
	}

	recent, err := s.RecentDenials(10)
	if err != nil {
		t.Fatalf("RecentDenials failed: %v", err)
	}
	if len(recent) != 3 || recent[0].Reason != "third" {
		t.Fatalf("expected newest-first ordering, got %+v", recent)
	}
}

func TestStore_DenialCountsByReason(t *testing.T) {
	s := newTestStore(t)

	reasons := []string{"rate_limit_rps", "rate_limit_rps", "uri_blocked"}
	for _, r := range reasons {
		_ = s.RecordDenial(DenialRecord{Timestamp: time.Now(), ClientIP: "10.0.0.1", URI: "/x", Method: "GET", Reason: r, HTTPStatus: 429})
	}

	counts, err := s.DenialCountsByReason()
	if err != nil {
		t.Fatalf("DenialCountsByReason failed: %v", err)
	}
	if counts["rate_limit_rps"] != 2 || counts["uri_blocked"] != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}
