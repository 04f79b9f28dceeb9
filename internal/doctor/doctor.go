// Package doctor validates gatekeeper configuration and plugin setup.
package doctor

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/mattjoyce/gatekeeper/internal/config"
	"github.com/mattjoyce/gatekeeper/internal/plugin"
	"github.com/mattjoyce/gatekeeper/internal/sandbox"
	"github.com/mattjoyce/gatekeeper/internal/storage"
	"github.com/mattjoyce/gatekeeper/internal/trust"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered plugins.
type Doctor struct {
	cfg        *config.Config
	candidates []*plugin.Candidate
	lookPath   func(string) (string, error)
	checkLocal func(path, setting string) error
}

// New creates a Doctor from a loaded config and the plugins found under its
// plugin roots.
func New(cfg *config.Config, candidates []*plugin.Candidate) *Doctor {
	return &Doctor{cfg: cfg, candidates: candidates, lookPath: exec.LookPath, checkLocal: storage.CheckLocal}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validatePluginRoots(r)
	d.validateTrust(r)
	d.validateLicense(r)
	d.validateSandbox(r)
	d.validatePlugins(r)
	d.validateIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateService checks the version reported to plugins.
func (d *Doctor) validateService(r *Result) {
	if _, err := semver.StrictNewVersion(d.cfg.Service.HostVersion); err != nil {
		d.addWarning(r, "service", "service.host_version",
			fmt.Sprintf("host_version %q is not a semantic version", d.cfg.Service.HostVersion))
	}
}

func (d *Doctor) validatePluginRoots(r *Result) {
	found := 0
	for i, root := range d.cfg.PluginRoots {
		field := fmt.Sprintf("plugin_roots[%d]", i)
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			d.addWarning(r, "plugins", field, fmt.Sprintf("plugin root %s does not exist", root))
			continue
		}
		found++
		if info.Mode().Perm()&0002 != 0 {
			d.addError(r, "plugins", field, fmt.Sprintf("plugin root %s is world-writable", root))
		}
	}
	if found == 0 {
		d.addError(r, "plugins", "plugin_roots", "no plugin root exists")
	}
}

func (d *Doctor) validateTrust(r *Result) {
	t := d.cfg.Trust
	if t.URL != "" {
		if u, err := url.Parse(t.URL); err != nil || u.Host == "" {
			d.addError(r, "trust", "trust.url", fmt.Sprintf("invalid trust store url %q", t.URL))
		} else if u.Scheme != "https" {
			d.addWarning(r, "trust", "trust.url", "trust store is fetched without TLS")
		}
	}
	if t.Path == "" {
		return
	}

	data, err := os.ReadFile(t.Path)
	if err != nil {
		if t.URL == "" {
			d.addError(r, "trust", "trust.path", fmt.Sprintf("trust store not readable: %v", err))
		} else {
			d.addWarning(r, "trust", "trust.path", "local trust store missing; no fallback when the url is unreachable")
		}
		return
	}
	store, err := trust.Parse(data)
	if err != nil {
		d.addError(r, "trust", "trust.path", err.Error())
		return
	}
	if len(store.PublisherKeys) == 0 {
		d.addWarning(r, "trust", "trust.path", "trust store has no publisher keys; paid plugins cannot load")
	}
	if len(store.IssuerKeys) == 0 {
		d.addWarning(r, "trust", "trust.path", "trust store has no issuer keys; entitlement tokens cannot verify")
	}
}

func (d *Doctor) validateLicense(r *Result) {
	l := d.cfg.License
	if l.ServerURL == "" {
		d.addWarning(r, "license", "license.server_url", "no license server configured; tokens cannot be refreshed")
	} else if u, err := url.Parse(l.ServerURL); err != nil || u.Host == "" {
		d.addError(r, "license", "license.server_url", fmt.Sprintf("invalid license server url %q", l.ServerURL))
	}
	if l.Token != "" && strings.Count(l.Token, ".") != 2 {
		d.addError(r, "license", "license.token", "token must have three dot-separated segments")
	}
	if l.Token == "" && d.hasPaidPlugins() {
		d.addWarning(r, "license", "license.token", "paid plugins discovered but no entitlement token configured")
	}
	paths := []struct{ field, path string }{
		{"license.state_path", l.StatePath},
		{"license.revocation_path", l.RevocationPath},
	}
	for _, p := range paths {
		if p.path == "" {
			continue
		}
		if _, err := os.Stat(filepath.Dir(p.path)); err != nil {
			d.addWarning(r, "license", p.field, fmt.Sprintf("directory %s does not exist yet", filepath.Dir(p.path)))
		}
		d.checkLocalPath(r, "license", p.field, p.path)
	}
}

// checkLocalPath reports state that would live on a network filesystem.
func (d *Doctor) checkLocalPath(r *Result, category, field, path string) {
	err := d.checkLocal(path, field)
	var nfe *storage.NetworkFSError
	switch {
	case errors.As(err, &nfe):
		d.addError(r, category, field, nfe.Error())
	case err != nil:
		d.addWarning(r, category, field, err.Error())
	}
}

func (d *Doctor) validateSandbox(r *Result) {
	s := d.cfg.Sandbox
	launcher := s.Launcher
	if len(launcher) == 0 {
		launcher = sandbox.DefaultLauncher
	}
	if d.usesRuntime(plugin.RuntimeSandbox, plugin.RuntimeWASM) {
		if _, err := d.lookPath(launcher[0]); err != nil {
			d.addError(r, "sandbox", "sandbox.launcher",
				fmt.Sprintf("launcher %q not found; sandboxed plugins cannot run", launcher[0]))
		}
	}
	if !strings.Contains(strings.Join(launcher, " "), sandbox.MemoryPlaceholder) {
		d.addWarning(r, "sandbox", "sandbox.launcher",
			"launcher does not reference "+sandbox.MemoryPlaceholder+"; the memory limit reaches the module through the environment only")
	}
	if s.WorkDir != "" {
		d.checkLocalPath(r, "sandbox", "sandbox.work_dir", s.WorkDir)
	}
	if s.DefaultTimeout > d.cfg.Script.Timeout*30 {
		d.addWarning(r, "sandbox", "sandbox.default_timeout",
			fmt.Sprintf("sandbox timeout %s is far above the script timeout %s", s.DefaultTimeout, d.cfg.Script.Timeout))
	}
}

func (d *Doctor) validatePlugins(r *Result) {
	for _, c := range d.candidates {
		field := "plugins." + c.ID
		if errs := plugin.Validate(c.Data); len(errs) > 0 {
			d.addWarning(r, "plugins", field,
				fmt.Sprintf("manifest fails schema validation and will be denied: %s", strings.Join(errs, "; ")))
			continue
		}
		for rel, reason := range c.ArtifactErrs {
			d.addWarning(r, "plugins", field, fmt.Sprintf("artifact %s unreadable: %s", rel, reason))
		}
	}
}

func (d *Doctor) validateIntegrity(r *Result) {
	if d.cfg.Path == "" {
		return
	}
	res, err := config.VerifyIntegrity(d.cfg)
	if err != nil {
		d.addError(r, "integrity", config.ChecksumFile, err.Error())
		return
	}
	for _, msg := range res.Errors {
		d.addError(r, "integrity", config.ChecksumFile, msg)
	}
	for _, msg := range res.Warnings {
		d.addWarning(r, "integrity", config.ChecksumFile, msg)
	}
}

func (d *Doctor) manifests() []*plugin.Manifest {
	var out []*plugin.Manifest
	for _, c := range d.candidates {
		if m, err := plugin.ParseManifest(c.Data); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (d *Doctor) hasPaidPlugins() bool {
	for _, m := range d.manifests() {
		if m.IsPaid() {
			return true
		}
	}
	return false
}

func (d *Doctor) usesRuntime(kinds ...plugin.RuntimeKind) bool {
	for _, m := range d.manifests() {
		for _, k := range kinds {
			if m.Runtime.Kind == k {
				return true
			}
		}
	}
	return false
}
