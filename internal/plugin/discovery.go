package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const manifestFilename = "manifest.json"

// maxArtifactBytes bounds a single artifact read during discovery.
const maxArtifactBytes = 64 << 20

// Candidate is a plugin directory found on disk, before licensing. The raw
// manifest bytes are kept so the license gate can run its own schema check.
type Candidate struct {
	ID           string            // manifest id, or directory name when the manifest has none
	Dir          string            // absolute path to the plugin directory
	Data         []byte            // raw manifest.json
	Artifacts    map[string][]byte // every readable path declared in integrity.hashes
	ArtifactErrs map[string]string // declared paths that could not be read, with reason
}

// Artifact returns the bytes read for rel during discovery. These are the
// bytes the license gate hashed; the file on disk may have changed since.
func (c *Candidate) Artifact(rel string) ([]byte, bool) {
	if data, ok := c.Artifacts[rel]; ok {
		return data, true
	}
	want := cleanRel(rel)
	for k, data := range c.Artifacts {
		if cleanRel(k) == want {
			return data, true
		}
	}
	return nil, false
}

// Discover scans a single plugin root for plugins with manifest.json.
func Discover(pluginsDir string, logger func(level, msg string, args ...any)) ([]*Candidate, error) {
	return DiscoverMany([]string{pluginsDir}, logger)
}

// DiscoverMany scans multiple plugin roots for manifest.json files.
// Roots are processed in input order; duplicate plugin ids keep the first discovered plugin.
// Unreadable plugins are logged but not fatal. The result is sorted by id.
func DiscoverMany(pluginRoots []string, logger func(level, msg string, args ...any)) ([]*Candidate, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	if len(pluginRoots) == 0 {
		return nil, fmt.Errorf("at least one plugin root is required")
	}

	absRoots := make([]string, 0, len(pluginRoots))
	seenRoots := make(map[string]struct{}, len(pluginRoots))
	for _, root := range pluginRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve plugin root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("plugin root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat plugin root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("plugin root is not a directory: %s", absRoot)
		}
		if _, ok := seenRoots[absRoot]; ok {
			continue
		}
		seenRoots[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}
	if len(absRoots) == 0 {
		return nil, fmt.Errorf("at least one plugin root is required")
	}

	byID := make(map[string]*Candidate)
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			pluginPath := filepath.Dir(path)
			c, err := loadCandidate(pluginPath, root)
			if err != nil {
				logger("warn", "failed to load plugin", "root", root, "path", pluginPath, "error", err.Error())
				return nil
			}
			if existing, ok := byID[c.ID]; ok {
				logger("warn", "duplicate plugin ignored (keeping first discovered)",
					"plugin", c.ID, "ignored_path", c.Dir, "kept_path", existing.Dir)
				return nil
			}
			byID[c.ID] = c
			logger("info", "discovered plugin", "plugin", c.ID, "path", c.Dir, "artifacts", len(c.Artifacts))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin root %s: %w", root, err)
		}
	}

	out := make([]*Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// loadCandidate reads the manifest and every artifact it declares. Only the
// fields needed to locate artifacts are read here; full validation belongs to
// the license gate.
func loadCandidate(pluginPath, root string) (*Candidate, error) {
	if err := validateDirTrust(pluginPath, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(pluginPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var head struct {
		ID        string `json:"id"`
		Integrity struct {
			Hashes map[string]any `json:"hashes"`
		} `json:"integrity"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	c := &Candidate{
		ID:           strings.TrimSpace(head.ID),
		Dir:          pluginPath,
		Data:         data,
		Artifacts:    make(map[string][]byte, len(head.Integrity.Hashes)),
		ArtifactErrs: make(map[string]string),
	}
	if c.ID == "" {
		c.ID = filepath.Base(pluginPath)
	}
	for rel := range head.Integrity.Hashes {
		b, err := ReadArtifact(pluginPath, rel)
		if err != nil {
			c.ArtifactErrs[rel] = err.Error()
			continue
		}
		c.Artifacts[rel] = b
	}
	return c, nil
}

// ReadArtifact reads a forward-slash path relative to pluginDir. Paths that
// escape the directory, lexically or through symlinks, are rejected, as is
// anything that is not a regular file.
func ReadArtifact(pluginDir, rel string) ([]byte, error) {
	cleanDir := filepath.Clean(pluginDir)
	realDir, err := filepath.EvalSymlinks(cleanDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugin directory: %w", err)
	}

	filePath := filepath.Join(cleanDir, filepath.FromSlash(rel))
	lexRel, err := filepath.Rel(cleanDir, filePath)
	if err != nil || !filepath.IsLocal(lexRel) {
		return nil, fmt.Errorf("%s: path escapes plugin directory", rel)
	}

	realPath, err := filepath.EvalSymlinks(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("missing: %s", rel)
		}
		return nil, fmt.Errorf("%s: %w", rel, err)
	}
	realRel, err := filepath.Rel(realDir, realPath)
	if err != nil || !filepath.IsLocal(realRel) {
		return nil, fmt.Errorf("%s: path resolves outside plugin directory", rel)
	}

	f, err := os.Open(realPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", rel)
	}
	if info.Size() > maxArtifactBytes {
		return nil, fmt.Errorf("%s: artifact exceeds %d bytes", rel, maxArtifactBytes)
	}
	return io.ReadAll(f)
}

// validateDirTrust checks the plugin directory resolves under its root and is
// not world-writable.
func validateDirTrust(pluginPath, root string) error {
	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin root symlink %s: %w", root, err)
	}
	if resolvedPluginPath != resolvedRoot &&
		!strings.HasPrefix(resolvedPluginPath, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("plugin directory %s is not under plugin root %s", resolvedPluginPath, resolvedRoot)
	}

	info, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if info.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}
	return nil
}

// EntryPath resolves a runtime entry relative to the plugin directory with the
// same containment rules as ReadArtifact.
func EntryPath(pluginDir, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("runtime entry is empty")
	}
	cleanDir := filepath.Clean(pluginDir)
	p := filepath.Join(cleanDir, filepath.FromSlash(rel))
	lexRel, err := filepath.Rel(cleanDir, p)
	if err != nil || !filepath.IsLocal(lexRel) {
		return "", fmt.Errorf("entry %s escapes plugin directory", rel)
	}
	realDir, err := filepath.EvalSymlinks(cleanDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve plugin directory: %w", err)
	}
	realPath, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("entry not found: %w", err)
	}
	realRel, err := filepath.Rel(realDir, realPath)
	if err != nil || !filepath.IsLocal(realRel) {
		return "", fmt.Errorf("entry %s resolves outside plugin directory", rel)
	}
	return realPath, nil
}
