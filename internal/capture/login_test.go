package capture

import (
	"context"
	"os"
	"testing"

	"mediagate/internal/store"
)

func skipIfNoRedis(t *testing.T) string {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	c, err := store.New(store.Config{Addr: addr})
	if err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	c.Close()
	return addr
}

func TestPersistLoginReport(t *testing.T) {
	addr := skipIfNoRedis(t)
	s, err := store.New(store.Config{Addr: addr, KeyPrefix: "mediagate:capture-test:"})
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	defer func() {
		keys, _ := s.ScanAll(ctx, "token_report:*")
		if len(keys) > 0 {
			s.Del(ctx, keys...)
		}
	}()

	report := Report{EventType: "login", EmbyUserID: "U1", Success: true}
	if err := PersistLoginReport(ctx, s, "req-99", report); err != nil {
		t.Fatalf("PersistLoginReport failed: %v", err)
	}

	keys, err := s.ScanAll(ctx, "token_report:*")
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	found := false
	for _, k := range keys {
		if k == "token_report:req-99" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected token_report:req-99 key, got %v", keys)
	}
}

func TestIsLoginPath(t *testing.T) {
	cases := map[string]bool{
		"/Users/AuthenticateByName":          true,
		"/users/authenticatebyname":          true,
		"/Users/AuthenticateWithQuickConnect": true,
		"/Users/Something":                   false,
		"/Videos/abc":                        false,
	}
	for path, want := range cases {
		if got := IsLoginPath(path); got != want {
			t.Errorf("IsLoginPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestBuffer_CaptureAndFinish(t *testing.T) {
	b := NewBuffer()
	ident := RequestIdentity{DeviceID: "D1", ClientName: "Infuse"}
	b.BeginCapture("req-1", ident)

	b.Append("req-1", []byte(`{"AccessToken":"T1","User":{"Id":"U1","Name":"alice"}}`))

	result, gotIdent, ok := b.Finish("req-1")
	if !ok {
		t.Fatal("expected successful decode")
	}
	if result.AccessToken != "T1" || result.UserID != "U1" || result.Username != "alice" {
		t.Errorf("unexpected result: %+v", result)
	}
	if gotIdent.DeviceID != "D1" {
		t.Errorf("expected identity to be preserved, got %+v", gotIdent)
	}
}

func TestBuffer_FinishWithMalformedJSONReturnsNotOK(t *testing.T) {
	b := NewBuffer()
	b.BeginCapture("req-2", RequestIdentity{})
	b.Append("req-2", []byte(`not json`))

	_, _, ok := b.Finish("req-2")
	if ok {
		t.Error("expected malformed JSON to report ok=false")
	}
}

func TestBuffer_FinishUnknownRequestIsNotOK(t *testing.T) {
	b := NewBuffer()
	_, _, ok := b.Finish("never-began")
	if ok {
		t.Error("expected unknown request id to report ok=false")
	}
}

func TestBuffer_AppendRespectsMaxSize(t *testing.T) {
	b := NewBuffer()
	b.BeginCapture("req-3", RequestIdentity{})

	big := make([]byte, maxBufferSize+100)
	for i := range big {
		big[i] = 'a'
	}
	b.Append("req-3", big)

	e := b.entries["req-3"]
	if len(e.buf) != maxBufferSize {
		t.Errorf("expected buffer truncated to %d bytes, got %d", maxBufferSize, len(e.buf))
	}
}

func TestBuffer_AbortDiscards(t *testing.T) {
	b := NewBuffer()
	b.BeginCapture("req-4", RequestIdentity{})
	b.Abort("req-4")

	_, _, ok := b.Finish("req-4")
	if ok {
		t.Error("expected aborted capture to be gone")
	}
}
