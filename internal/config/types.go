package config

import "time"

// Config represents the complete gatekeeper configuration.
type Config struct {
	Service     ServiceConfig `yaml:"service"`
	PluginRoots []string      `yaml:"plugin_roots"`
	Trust       TrustConfig   `yaml:"trust"`
	License     LicenseConfig `yaml:"license"`
	Sandbox     SandboxConfig `yaml:"sandbox"`
	Script      ScriptConfig  `yaml:"script"`

	// Path is the absolute path of the loaded file. Relative paths in the
	// file are resolved against its directory.
	Path string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	HostVersion string `yaml:"host_version"`
	LogLevel    string `yaml:"log_level"`
}

// TrustConfig locates the trust store. URL is tried before Path.
type TrustConfig struct {
	URL  string        `yaml:"url,omitempty"`
	Path string        `yaml:"path,omitempty"`
	TTL  time.Duration `yaml:"ttl"`
}

// LicenseConfig defines entitlement token handling.
type LicenseConfig struct {
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	Token          string        `yaml:"token,omitempty"`
	ServerURL      string        `yaml:"server_url,omitempty"`
	RefreshAfter   time.Duration `yaml:"refresh_after"`
	GraceWindow    time.Duration `yaml:"grace_window"`
	RevocationPath string        `yaml:"revocation_path"`
	StatePath      string        `yaml:"state_path"`
}

// SandboxConfig defines how compiled plugin modules are launched.
type SandboxConfig struct {
	Launcher       []string      `yaml:"launcher,omitempty"`
	MaxMemoryBytes int64         `yaml:"max_memory_bytes"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	WorkDir        string        `yaml:"work_dir"`
	CacheDir       string        `yaml:"cache_dir,omitempty"`
	MaxStderrBytes int           `yaml:"max_stderr_bytes"`
}

// ScriptConfig defines the in-process script runtime.
type ScriptConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Defaults returns a Config with the stock settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "gatekeeper",
			HostVersion: "0.1.0",
			LogLevel:    "info",
		},
		PluginRoots: []string{"./plugins"},
		Trust: TrustConfig{
			Path: "./trust_store.json",
			TTL:  time.Hour,
		},
		License: LicenseConfig{
			Issuer:         "gatekeeper-license",
			Audience:       "gatekeeper",
			RefreshAfter:   7 * time.Minute,
			GraceWindow:    24 * time.Hour,
			RevocationPath: "./data/revocations.json",
			StatePath:      "./data/state.db",
		},
		Sandbox: SandboxConfig{
			MaxMemoryBytes: 256 << 20,
			DefaultTimeout: 2 * time.Second,
			WorkDir:        "./data/runs",
			MaxStderrBytes: 64 * 1024,
		},
		Script: ScriptConfig{
			Timeout: time.Second,
		},
	}
}
