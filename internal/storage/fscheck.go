package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// NetworkFSError reports a state path on a network filesystem, where SQLite
// and flock(2) locking cannot be relied on.
type NetworkFSError struct {
	Path    string
	FSType  string
	Setting string
}

func (e *NetworkFSError) Error() string {
	return fmt.Sprintf("%s %q is on network filesystem %q; file locking requires a local filesystem. Set %s to a local path",
		e.Setting, e.Path, e.FSType, e.Setting)
}

// CheckLocal returns a *NetworkFSError when path, or its nearest existing
// parent, is on a network filesystem. setting names the config key that
// chose path. Platforms without filesystem detection always pass.
func CheckLocal(path, setting string) error {
	return checkLocalWith(path, setting, detectFilesystemType)
}

func checkLocalWith(path, setting string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s is empty", setting)
	}
	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %s %q: %w", setting, path, err)
	}
	fsType, err := detect(existing)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if _, ok := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]; ok {
		return &NetworkFSError{Path: path, FSType: fsType, Setting: setting}
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}
