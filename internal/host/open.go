package host

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mattjoyce/gatekeeper/internal/config"
	"github.com/mattjoyce/gatekeeper/internal/jshost"
	"github.com/mattjoyce/gatekeeper/internal/license"
	"github.com/mattjoyce/gatekeeper/internal/log"
	"github.com/mattjoyce/gatekeeper/internal/sandbox"
	"github.com/mattjoyce/gatekeeper/internal/state"
	"github.com/mattjoyce/gatekeeper/internal/storage"
	"github.com/mattjoyce/gatekeeper/internal/trust"
	"github.com/mattjoyce/gatekeeper/internal/workspace"
)

// staleRunAge is how old a leftover sandbox run directory must be before Open
// sweeps it.
const staleRunAge = 24 * time.Hour

// Services bundles a Host with the long-lived collaborators built from a
// config file.
type Services struct {
	Host        *Host
	Trust       *trust.Loader
	Licenses    *license.Manager
	Sandbox     *sandbox.Runner
	Workspaces  workspace.Manager
	Invocations *state.InvocationLog

	db *sql.DB
}

// Open builds every collaborator from cfg: the state database, trust loader,
// license manager, sandbox runner and the Host itself. Plugins are not loaded
// until Host.Load.
func Open(ctx context.Context, cfg *config.Config) (*Services, error) {
	db, err := storage.OpenSQLite(ctx, cfg.License.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	s := &Services{db: db, Invocations: state.NewInvocationLog(db)}

	s.Trust = trust.NewLoader(trust.LoaderConfig{
		URL:  cfg.Trust.URL,
		Path: cfg.Trust.Path,
		TTL:  cfg.Trust.TTL,
	})

	lcfg := license.Config{
		Trust:        s.Trust,
		Issuer:       cfg.License.Issuer,
		Audience:     cfg.License.Audience,
		RefreshAfter: cfg.License.RefreshAfter,
		GraceWindow:  cfg.License.GraceWindow,
		Entries:      state.NewRefreshStore(db),
	}
	if cfg.License.RevocationPath != "" {
		lcfg.Revocations = &license.RevocationFile{Path: cfg.License.RevocationPath}
	}
	if cfg.License.ServerURL != "" {
		lcfg.Refresher = license.NewRefreshClient(cfg.License.ServerURL)
	}
	s.Licenses, err = license.NewManager(lcfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	ws, err := workspace.NewFSManager(cfg.Sandbox.WorkDir, cfg.Sandbox.CacheDir)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.Workspaces = ws
	if rep, err := ws.Cleanup(ctx, staleRunAge); err != nil {
		log.WithComponent("host").Warn("workspace sweep failed", "error", err)
	} else if rep.DeletedDirs > 0 {
		log.WithComponent("host").Info("removed stale sandbox run directories", "count", rep.DeletedDirs)
	}
	s.Sandbox, err = sandbox.NewRunner(sandbox.Config{
		Launcher:       cfg.Sandbox.Launcher,
		MaxMemoryBytes: cfg.Sandbox.MaxMemoryBytes,
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
		MaxStderrBytes: cfg.Sandbox.MaxStderrBytes,
		Workspaces:     ws,
		Journal:        s.Invocations,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s.Host = New(Options{
		PluginRoots:    cfg.PluginRoots,
		HostVersion:    cfg.Service.HostVersion,
		Trust:          s.Trust,
		Token:          cfg.License.Token,
		Issuer:         cfg.License.Issuer,
		Audience:       cfg.License.Audience,
		Licenses:       s.Licenses,
		Sandbox:        s.Sandbox,
		SandboxTimeout: cfg.Sandbox.DefaultTimeout,
		ModuleDir:      filepath.Join(filepath.Dir(cfg.Sandbox.WorkDir), "modules"),
		Script:         jshost.Options{Timeout: cfg.Script.Timeout, Journal: s.Invocations},
	})
	return s, nil
}

// Close releases the state database.
func (s *Services) Close() error {
	return s.db.Close()
}
