package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsWorkspaceManager manages per-run directories on local disk.
type fsWorkspaceManager struct {
	workBase  string
	cacheBase string
	now       func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a manager that places run directories under workBase
// and cacheBase. An empty cacheBase puts caches next to the work directories.
func NewFSManager(workBase, cacheBase string) (*fsWorkspaceManager, error) {
	work := strings.TrimSpace(workBase)
	if work == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	cache := strings.TrimSpace(cacheBase)
	if cache == "" {
		cache = filepath.Join(work, ".cache")
	}

	return &fsWorkspaceManager{
		workBase:  filepath.Clean(work),
		cacheBase: filepath.Clean(cache),
		now:       time.Now,
	}, nil
}

// Create initializes the work and cache directories for runID. Both must
// not exist yet.
func (m *fsWorkspaceManager) Create(ctx context.Context, runID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	if err := validateRunID(runID); err != nil {
		return Workspace{}, err
	}

	ws := Workspace{
		RunID:    runID,
		Dir:      filepath.Join(m.workBase, runID),
		CacheDir: filepath.Join(m.cacheBase, runID),
	}
	for _, base := range []string{m.workBase, m.cacheBase} {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
		}
	}
	if err := os.Mkdir(ws.Dir, 0o700); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for run %q: %w", runID, err)
	}
	if err := os.Mkdir(ws.CacheDir, 0o700); err != nil {
		_ = os.RemoveAll(ws.Dir)
		return Workspace{}, fmt.Errorf("create cache for run %q: %w", runID, err)
	}

	return ws, nil
}

// Remove deletes the run's directories. Missing directories are not an error.
func (m *fsWorkspaceManager) Remove(ws Workspace) error {
	if err := validateRunID(ws.RunID); err != nil {
		return err
	}
	var errs []error
	for _, dir := range []string{ws.Dir, ws.CacheDir} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %q: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}

// Cleanup removes run directories older than olderThan based on directory
// modification time.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}
	for _, base := range []string{m.workBase, m.cacheBase} {
		n, err := m.sweep(ctx, base, cutoff)
		report.DeletedDirs += n
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (m *fsWorkspaceManager) sweep(ctx context.Context, base string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read workspace base directory: %w", err)
	}

	deleted := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		// The default cache base lives inside the work base.
		if !entry.IsDir() || filepath.Join(base, entry.Name()) == m.cacheBase {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return deleted, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(base, entry.Name())); err != nil {
			return deleted, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		deleted++
	}
	return deleted, nil
}

func validateRunID(runID string) error {
	trimmed := strings.TrimSpace(runID)
	if trimmed == "" {
		return fmt.Errorf("runID is empty")
	}
	if trimmed == "." || trimmed == ".." || strings.HasPrefix(trimmed, ".") {
		return fmt.Errorf("runID %q is invalid", runID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("runID %q must not contain path separators", runID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("runID %q is invalid", runID)
	}
	return nil
}
