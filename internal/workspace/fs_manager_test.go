package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSWorkspaceManagerCreateAndRemove(t *testing.T) {
	root := t.TempDir()
	workBase := filepath.Join(root, "work")
	cacheBase := filepath.Join(root, "cache")
	mgr, err := NewFSManager(workBase, cacheBase)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	ws, err := mgr.Create(context.Background(), "run-a")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if want := filepath.Join(workBase, "run-a"); ws.Dir != want {
		t.Fatalf("Create() dir = %q, want %q", ws.Dir, want)
	}
	if want := filepath.Join(cacheBase, "run-a"); ws.CacheDir != want {
		t.Fatalf("Create() cache dir = %q, want %q", ws.CacheDir, want)
	}
	for _, dir := range []string{ws.Dir, ws.CacheDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("Stat(%s) error = %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}

	if _, err := mgr.Create(context.Background(), "run-a"); err == nil {
		t.Fatal("Create() of an existing run should fail")
	}

	os.WriteFile(filepath.Join(ws.Dir, "scratch.bin"), []byte("x"), 0o644)
	if err := mgr.Remove(ws); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	for _, dir := range []string{ws.Dir, ws.CacheDir} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed, err = %v", dir, err)
		}
	}
	if err := mgr.Remove(ws); err != nil {
		t.Fatalf("second Remove() error = %v", err)
	}
}

func TestFSWorkspaceManagerRunsAreIsolated(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	a, err := mgr.Create(context.Background(), "run-a")
	if err != nil {
		t.Fatalf("Create(a) error = %v", err)
	}
	b, err := mgr.Create(context.Background(), "run-b")
	if err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}
	if a.Dir == b.Dir || a.CacheDir == b.CacheDir {
		t.Fatalf("runs share directories: %+v %+v", a, b)
	}

	os.WriteFile(filepath.Join(a.Dir, "out.json"), []byte("{}"), 0o644)
	if _, err := os.Stat(filepath.Join(b.Dir, "out.json")); !os.IsNotExist(err) {
		t.Fatalf("file leaked between runs, err = %v", err)
	}
}

func TestValidateRunID(t *testing.T) {
	for _, id := range []string{"", " ", ".", "..", ".cache", "a/b", `a\b`} {
		if err := validateRunID(id); err == nil {
			t.Errorf("validateRunID(%q) should fail", id)
		}
	}
	if err := validateRunID("6f1c3a52-2b8d-4a8e-9f55-6d4e3c1b2a90"); err != nil {
		t.Errorf("validateRunID(uuid) error = %v", err)
	}
}

func TestFSWorkspaceManagerCleanup(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "workspaces")
	mgr, err := NewFSManager(baseDir, "")
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	oldWS, err := mgr.Create(context.Background(), "run-old")
	if err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	newWS, err := mgr.Create(context.Background(), "run-new")
	if err != nil {
		t.Fatalf("Create(new) error = %v", err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	for _, dir := range []string{oldWS.Dir, oldWS.CacheDir} {
		if err := os.Chtimes(dir, oldTime, oldTime); err != nil {
			t.Fatalf("Chtimes(%s) error = %v", dir, err)
		}
	}

	report, err := mgr.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 2 {
		t.Fatalf("Cleanup() deleted = %d, want 2", report.DeletedDirs)
	}

	if _, err := os.Stat(oldWS.Dir); !os.IsNotExist(err) {
		t.Fatalf("old workspace should be deleted, err = %v", err)
	}
	if _, err := os.Stat(newWS.Dir); err != nil {
		t.Fatalf("new workspace should still exist, err = %v", err)
	}
	if _, err := os.Stat(newWS.CacheDir); err != nil {
		t.Fatalf("new cache should still exist, err = %v", err)
	}
}
