// Package host wires plugin discovery, the license gate and the hook
// pipelines together. A Host discovers plugins, admits the ones the gate
// allows, picks a caller for each by runtime kind and dispatches hook points
// to the admitted set.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattjoyce/gatekeeper/internal/digest"
	"github.com/mattjoyce/gatekeeper/internal/hooks"
	"github.com/mattjoyce/gatekeeper/internal/jshost"
	"github.com/mattjoyce/gatekeeper/internal/license"
	"github.com/mattjoyce/gatekeeper/internal/log"
	"github.com/mattjoyce/gatekeeper/internal/plugin"
	"github.com/mattjoyce/gatekeeper/internal/pricing"
	"github.com/mattjoyce/gatekeeper/internal/sandbox"
	"github.com/mattjoyce/gatekeeper/internal/trust"
)

// Options configures a Host. PluginRoots and Trust are required.
type Options struct {
	PluginRoots []string
	HostVersion string

	Trust    license.TrustSource
	Token    string
	Issuer   string
	Audience string
	// Licenses supplies the revocation set and the last good refresh time.
	// Without it no token is treated as revoked and offline grace never
	// applies.
	Licenses *license.Manager

	// Sandbox runs sandbox and wasm plugins. Without it those plugins are
	// admitted by the gate but not registered.
	Sandbox        *sandbox.Runner
	SandboxTimeout time.Duration
	// ModuleDir holds copies of gate-verified sandbox modules, named by
	// content hash. Paid modules run from here, never from the plugin
	// directory. Empty means a private temporary directory.
	ModuleDir string
	Script    jshost.Options

	Now func() time.Time
}

// Report is the load outcome for one discovered plugin.
type Report struct {
	PluginID string           `json:"plugin_id"`
	Dir      string           `json:"dir"`
	Decision license.Decision `json:"decision"`
	Loaded   bool             `json:"loaded"`
	Error    string           `json:"error,omitempty"`
}

// Host holds the admitted plugins. Load may be called again to rescan;
// dispatch methods see either the old or the new set, never a mix.
type Host struct {
	opts   Options
	hooks  *hooks.Runner
	logger *slog.Logger

	mu       sync.RWMutex
	registry *plugin.Registry
	reports  []Report

	stageOnce sync.Once
	stageDir  string
	stageErr  error
}

// New creates a Host with an empty registry.
func New(opts Options) *Host {
	if opts.Issuer == "" {
		opts.Issuer = license.DefaultIssuer
	}
	if opts.Audience == "" {
		opts.Audience = license.DefaultAudience
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Host{
		opts:     opts,
		hooks:    hooks.NewRunner(opts.HostVersion),
		logger:   log.WithComponent("host"),
		registry: plugin.NewRegistry(),
	}
}

// Load discovers plugins under every root, runs the license gate on each and
// registers the admitted ones. Gate denials and caller failures are reported,
// not returned; only discovery failure is an error.
func (h *Host) Load(ctx context.Context) ([]Report, error) {
	candidates, err := plugin.DiscoverMany(h.opts.PluginRoots, log.Func(h.logger))
	if err != nil {
		return nil, fmt.Errorf("discover plugins: %w", err)
	}

	var store *trust.Store
	if h.opts.Trust != nil {
		store, err = h.opts.Trust.Get(ctx)
		if err != nil {
			h.logger.Warn("trust store unavailable; paid plugins will be denied", "error", err)
			store = nil
		}
	}

	var (
		lastOK    int64
		isRevoked func(string) bool
	)
	if h.opts.Licenses != nil {
		isRevoked = h.opts.Licenses.IsRevoked
		if h.opts.Token != "" {
			lastOK = h.opts.Licenses.LastGoodRefresh(ctx, h.opts.Token)
		}
	}

	registry := plugin.NewRegistry()
	reports := make([]Report, 0, len(candidates))
	for _, c := range candidates {
		rep := Report{PluginID: c.ID, Dir: c.Dir}
		rep.Decision = license.VerifyPluginLicense(license.Input{
			Manifest:     c.Data,
			Artifacts:    c.Artifacts,
			TrustStore:   store,
			Token:        h.opts.Token,
			Issuer:       h.opts.Issuer,
			Audience:     h.opts.Audience,
			Now:          h.opts.Now(),
			LastOnlineOK: lastOK,
			IsRevoked:    isRevoked,
		})
		if !rep.Decision.AllowLoad {
			h.logDenied(c.ID, rep.Decision)
			reports = append(reports, rep)
			continue
		}

		loaded, err := h.admit(c, rep.Decision.AllowCapabilities)
		if err != nil {
			rep.Error = err.Error()
			h.logger.Warn("plugin admitted but not loaded", "plugin", c.ID, "error", err)
		} else if err := registry.Add(loaded); err != nil {
			rep.Error = err.Error()
		} else {
			rep.Loaded = true
			h.logger.Info("plugin loaded", "plugin", c.ID,
				"runtime", loaded.Manifest.Runtime.Kind, "capabilities", loaded.Allowed.Names())
		}
		reports = append(reports, rep)
	}

	h.mu.Lock()
	h.registry = registry
	h.reports = reports
	h.mu.Unlock()
	return reports, nil
}

func (h *Host) logDenied(id string, d license.Decision) {
	args := []any{"plugin", id}
	if len(d.Diagnostics) > 0 {
		diag := d.Diagnostics[len(d.Diagnostics)-1]
		args = append(args, "code", diag.Code, "reason", diag.Message)
	}
	h.logger.Warn("plugin denied by license gate", args...)
}

func (h *Host) admit(c *plugin.Candidate, allowed plugin.CapabilitySet) (*plugin.Loaded, error) {
	m, err := plugin.ParseManifest(c.Data)
	if err != nil {
		return nil, err
	}
	caller, err := h.caller(c, m)
	if err != nil {
		return nil, err
	}
	return &plugin.Loaded{Manifest: m, Caller: caller, Allowed: allowed}, nil
}

// caller selects the call adapter for the manifest's runtime kind. Paid
// plugins execute the entry bytes the gate hashed, not a fresh read of the
// plugin directory.
func (h *Host) caller(c *plugin.Candidate, m *plugin.Manifest) (plugin.Caller, error) {
	entry := m.ExecEntry()
	verified, haveVerified := []byte(nil), false
	if m.IsPaid() && entry != "" {
		verified, haveVerified = c.Artifact(entry)
		if !haveVerified {
			return nil, fmt.Errorf("entry %s was not verified", entry)
		}
	}

	switch m.Runtime.Kind {
	case plugin.RuntimeSandbox, plugin.RuntimeWASM:
		if h.opts.Sandbox == nil {
			return nil, fmt.Errorf("no sandbox runner configured for %s plugins", m.Runtime.Kind)
		}
		path, err := plugin.EntryPath(c.Dir, entry)
		if err != nil {
			return nil, err
		}
		if haveVerified {
			if path, err = h.stageModule(entry, verified); err != nil {
				return nil, err
			}
		}
		return &sandbox.Caller{
			Runner:     h.opts.Sandbox,
			ModulePath: path,
			PluginID:   m.ID,
			Timeout:    h.opts.SandboxTimeout,
		}, nil

	case plugin.RuntimeScript:
		path, err := plugin.EntryPath(c.Dir, entry)
		if err != nil {
			return nil, err
		}
		var p *jshost.Plugin
		if haveVerified {
			p, err = jshost.Compile(m.ID, path, string(verified), h.opts.Script)
		} else {
			p, err = jshost.Load(m.ID, path, h.opts.Script)
		}
		if err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("runtime %q cannot be executed by this host", m.Runtime.Kind)
	}
}

// stageModule writes data under the module directory, named by its hash, and
// returns the path.
func (h *Host) stageModule(entry string, data []byte) (string, error) {
	dir, err := h.moduleDir()
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, digest.SHA256Hex(data)+filepath.Ext(entry))

	tmp, err := os.CreateTemp(dir, ".stage-*")
	if err != nil {
		return "", fmt.Errorf("stage module: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("stage module: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("stage module: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("stage module: %w", err)
	}
	return dst, nil
}

func (h *Host) moduleDir() (string, error) {
	h.stageOnce.Do(func() {
		if h.opts.ModuleDir == "" {
			h.stageDir, h.stageErr = os.MkdirTemp("", "gatekeeper-modules-")
			return
		}
		h.stageDir = h.opts.ModuleDir
		h.stageErr = os.MkdirAll(h.stageDir, 0o700)
	})
	return h.stageDir, h.stageErr
}

// Plugins returns the loaded plugins in ascending id order.
func (h *Host) Plugins() []*plugin.Loaded {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.registry.All()
}

// Reports returns the outcome of the last Load.
func (h *Host) Reports() []Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Report(nil), h.reports...)
}

// Validate runs the constraints hook over the loaded plugins. in.Plugins is
// ignored.
func (h *Host) Validate(ctx context.Context, in hooks.ConstraintsInput) hooks.ConstraintsOutput {
	in.Plugins = h.Plugins()
	return h.hooks.RunConstraints(ctx, in)
}

// Render runs the render hook over the loaded plugins. in.Plugins is ignored.
func (h *Host) Render(ctx context.Context, in hooks.RenderInput) hooks.RenderOutput {
	in.Plugins = h.Plugins()
	return h.hooks.RunRender(ctx, in)
}

// Quote collects pricing contributions from the loaded plugins and merges
// them into the base quote. in.Plugins is ignored.
func (h *Host) Quote(ctx context.Context, in pricing.PostQuoteInput) pricing.Result {
	in.Plugins = h.Plugins()
	return pricing.Apply(ctx, h.hooks, in)
}
