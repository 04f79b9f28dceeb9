package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/mattjoyce/gatekeeper/internal/plugin"
)

// ModuleEntry is the conventional module location inside a plugin directory.
const ModuleEntry = plugin.DefaultModuleEntry

var safeID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ResolveModule locates the module of plugin id under root. Ids outside the
// safe character set, and the special names "." and "..", are rejected before
// any filesystem access.
func ResolveModule(root, id string) (string, error) {
	if !safeID.MatchString(id) || id == "." || id == ".." {
		return "", fmt.Errorf("unsafe plugin id %q", id)
	}
	return plugin.EntryPath(filepath.Join(root, id), ModuleEntry)
}

// moduleLabel names a run after its plugin directory when the module sits at
// the conventional location, else after the file.
func moduleLabel(modulePath string) string {
	dir, file := filepath.Split(filepath.Clean(modulePath))
	if file == filepath.Base(ModuleEntry) {
		dist := filepath.Clean(dir)
		if filepath.Base(dist) == filepath.Dir(ModuleEntry) {
			if id := filepath.Base(filepath.Dir(dist)); id != "." && id != string(filepath.Separator) {
				return id
			}
		}
	}
	return file
}
