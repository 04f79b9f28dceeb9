package state

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/gatekeeper/internal/storage"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "license.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRefreshStoreGetMissing(t *testing.T) {
	t.Parallel()

	s := NewRefreshStore(openDB(t))
	_, ok, err := s.Get(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected no entry")
	}
	if _, _, err := s.Get(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty hash")
	}
}

func TestRefreshStorePutReplaces(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRefreshStore(openDB(t))

	if err := s.Put(ctx, Entry{TokenHash: "h1", TokenID: "jti-1", Expiry: 100, RefreshAt: 40}); err != nil {
		t.Fatalf("Put (1): %v", err)
	}
	if err := s.Put(ctx, Entry{TokenHash: "h1", Expiry: 200, RefreshAt: 140, LastGoodRefresh: 90}); err != nil {
		t.Fatalf("Put (2): %v", err)
	}

	got, ok, err := s.Get(ctx, "h1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Expiry != 200 || got.RefreshAt != 140 || got.LastGoodRefresh != 90 || got.TokenID != "" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at to be set")
	}
}

func TestInvocationLogRecordAndRecent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewInvocationLog(openDB(t))
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	exit := 2

	if _, err := l.Record(ctx, Invocation{
		Plugin: "p", Method: "validate", Runtime: "sandbox", Status: "ok",
		Duration: 20 * time.Millisecond, CompletedAt: base,
	}); err != nil {
		t.Fatalf("Record (1): %v", err)
	}
	id, err := l.Record(ctx, Invocation{
		Plugin: "p", Method: "validate", Runtime: "sandbox", Status: "failed",
		ErrorCode: "sandbox.exec_failed", ExitCode: &exit, Stderr: strings.Repeat("e", DefaultMaxStderrBytes+10),
		Duration: time.Second, CompletedAt: base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Record (2): %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	got, err := l.Recent(ctx, "p", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(got))
	}
	if got[0].ID != id || got[0].ErrorCode != "sandbox.exec_failed" || got[0].ExitCode == nil || *got[0].ExitCode != 2 {
		t.Fatalf("unexpected newest invocation: %+v", got[0])
	}
	if len(got[0].Stderr) != DefaultMaxStderrBytes {
		t.Fatalf("stderr not capped: %d", len(got[0].Stderr))
	}
	if got[1].ExitCode != nil || got[1].Duration != 20*time.Millisecond {
		t.Fatalf("unexpected oldest invocation: %+v", got[1])
	}

	if _, err := l.Record(ctx, Invocation{Method: "x"}); err == nil {
		t.Fatal("expected error without plugin")
	}
}
