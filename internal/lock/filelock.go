package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLocked is returned by TryAcquire when another holder has the lock.
var ErrLocked = errors.New("lock held by another process")

// FileLock is an advisory exclusive lock implemented via flock(2) on a
// sidecar file. Keep the lock alive by keeping the handle unreleased.
type FileLock struct {
	path string
	f    *os.File
}

// pollInterval is how often Acquire retries a held lock.
const pollInterval = 10 * time.Millisecond

func open(lockPath string) (*os.File, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// TryAcquire takes the lock without waiting. It returns ErrLocked when the
// lock is held elsewhere.
func TryAcquire(lockPath string) (*FileLock, error) {
	f, err := open(lockPath)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return &FileLock{path: lockPath, f: f}, nil
}

// Acquire waits for the lock until ctx is done.
func Acquire(ctx context.Context, lockPath string) (*FileLock, error) {
	for {
		l, err := TryAcquire(lockPath)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", lockPath, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func (l *FileLock) Path() string { return l.path }

func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
