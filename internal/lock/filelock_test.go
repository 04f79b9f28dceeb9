package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestTryAcquireExclusive(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "sub", "revoked.json.lock")
	l, err := TryAcquire(lockPath)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	if _, err := TryAcquire(lockPath); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	l2, err := TryAcquire(lockPath)
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	_ = l2.Release()
}

func TestAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "x.lock")
	held, err := TryAcquire(lockPath)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := Acquire(ctx, lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Path() != lockPath {
		t.Errorf("Path = %s", l.Path())
	}
	_ = l.Release()
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "x.lock")
	held, err := TryAcquire(lockPath)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := Acquire(ctx, lockPath); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestEmptyPath(t *testing.T) {
	if _, err := TryAcquire(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
