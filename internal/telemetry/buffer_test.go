package telemetry

import "testing"

func TestBuffer_RecordAndDrainAccess(t *testing.T) {
	b := NewBuffer(10)
	b.RecordAccess(AccessLogEntry{URI: "/a"})
	b.RecordAccess(AccessLogEntry{URI: "/b"})

	drained := b.DrainAccess(1)
	if len(drained) != 1 || drained[0].URI != "/a" {
		t.Fatalf("expected FIFO drain of /a first, got %+v", drained)
	}
	if b.Stats().AccessQueued != 1 {
		t.Errorf("expected 1 entry remaining, got %d", b.Stats().AccessQueued)
	}
}

func TestBuffer_OverflowEvictsOldest(t *testing.T) {
	b := NewBuffer(2)
	b.RecordAccess(AccessLogEntry{URI: "/1"})
	b.RecordAccess(AccessLogEntry{URI: "/2"})
	b.RecordAccess(AccessLogEntry{URI: "/3"})

	if b.Stats().DroppedAccess != 1 {
		t.Errorf("expected 1 dropped entry, got %d", b.Stats().DroppedAccess)
	}
	drained := b.DrainAccess(10)
	if len(drained) != 2 || drained[0].URI != "/2" || drained[1].URI != "/3" {
		t.Fatalf("expected [/2 /3] after eviction, got %+v", drained)
	}
}

func TestBuffer_BlockedQueueIndependentOfAccess(t *testing.T) {
	b := NewBuffer(10)
	b.RecordBlocked(BlockedLogEntry{Reason: "uri_blocked"})
	if b.Stats().BlockedQueued != 1 {
		t.Fatalf("expected 1 blocked entry queued")
	}
	drained := b.DrainBlocked(10)
	if len(drained) != 1 || drained[0].Reason != "uri_blocked" {
		t.Fatalf("unexpected drained blocked entries: %+v", drained)
	}
	if b.Stats().BlockedQueued != 0 {
		t.Errorf("expected blocked queue empty after drain")
	}
}
