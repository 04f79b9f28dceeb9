package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func fixedFS(fsType string) func(string) (string, error) {
	return func(string) (string, error) { return fsType, nil }
}

func TestCheckLocal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		fsType  string
		wantNet bool
	}{
		{name: "local apfs", fsType: "apfs"},
		{name: "linux ext4 magic", fsType: "0xef53"},
		{name: "nfs", fsType: "nfs", wantNet: true},
		{name: "smbfs uppercase", fsType: "SMBFS", wantNet: true},
		{name: "webdav padded", fsType: " webdav ", wantNet: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "state.db")
			err := checkLocalWith(path, "license.state_path", fixedFS(tc.fsType))
			var nfe *NetworkFSError
			if got := errors.As(err, &nfe); got != tc.wantNet {
				t.Fatalf("checkLocalWith(%q) = %v, want network error %v", tc.fsType, err, tc.wantNet)
			}
			if tc.wantNet {
				for _, want := range []string{"license.state_path", "requires a local filesystem", strings.TrimSpace(tc.fsType)} {
					if !strings.Contains(err.Error(), want) {
						t.Errorf("error %q missing %q", err, want)
					}
				}
			}
		})
	}
}

func TestCheckLocalInspectsNearestExistingParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkLocalWith(filepath.Join(root, "nested", "dir", "revocations.json"), "license.revocation_path",
		func(path string) (string, error) {
			inspected = path
			return "apfs", nil
		})
	if err != nil {
		t.Fatalf("checkLocalWith: %v", err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want %q", inspected, root)
	}
}

func TestCheckLocalDetectorFailures(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.db")
	if err := checkLocalWith(path, "license.state_path", func(string) (string, error) {
		return "", errDetectUnsupported
	}); err != nil {
		t.Fatalf("unsupported platform should pass, got %v", err)
	}

	err := checkLocalWith(path, "license.state_path", func(string) (string, error) {
		return "", errors.New("statfs failed")
	})
	if err == nil || !strings.Contains(err.Error(), "statfs failed") {
		t.Fatalf("expected detector error, got %v", err)
	}

	if err := checkLocalWith("", "sandbox.work_dir", fixedFS("apfs")); err == nil {
		t.Fatal("expected empty path error")
	}
}
