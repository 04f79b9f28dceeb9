package workspace

import (
	"context"
	"time"
)

// Workspace is the pair of private directories given to one sandbox run.
// Nothing in it outlives the run.
type Workspace struct {
	RunID    string
	Dir      string
	CacheDir string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs per-run workspace lifecycle.
type Manager interface {
	// Create makes fresh work and cache directories for runID.
	Create(ctx context.Context, runID string) (Workspace, error)

	// Remove deletes both directories of ws.
	Remove(ws Workspace) error

	// Cleanup removes leftover run directories older than olderThan, e.g.
	// after a crash killed the host mid-run.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
