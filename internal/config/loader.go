package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates and validates the configuration file at
// configPath. A directory is taken to contain config.yaml. When a .checksums
// manifest sits next to the file, the locked files are verified first.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	if res, err := VerifyIntegrity(cfg); err != nil {
		return nil, err
	} else if !res.Passed {
		return nil, fmt.Errorf("config integrity check failed: %s\n"+
			"If you edited these files intentionally, run: gatekeeper config lock", strings.Join(res.Errors, "; "))
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadUnverified is Load without the checksum verification. It is what
// config lock uses to read a config whose files changed since the last lock.
func LoadUnverified(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadConfigFile parses one file over the defaults without validating it.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.Path = path
	resolvePaths(cfg, filepath.Dir(path))
	return cfg, nil
}

// resolvePaths makes every filesystem path in cfg absolute relative to dir.
func resolvePaths(cfg *Config, dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || envVarPattern.MatchString(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	for i, root := range cfg.PluginRoots {
		cfg.PluginRoots[i] = abs(root)
	}
	cfg.Trust.Path = abs(cfg.Trust.Path)
	cfg.License.RevocationPath = abs(cfg.License.RevocationPath)
	cfg.License.StatePath = abs(cfg.License.StatePath)
	cfg.Sandbox.WorkDir = abs(cfg.Sandbox.WorkDir)
	cfg.Sandbox.CacheDir = abs(cfg.Sandbox.CacheDir)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if len(cfg.PluginRoots) == 0 {
		return fmt.Errorf("plugin_roots must list at least one directory")
	}
	if cfg.Trust.URL == "" && cfg.Trust.Path == "" {
		return fmt.Errorf("trust.url or trust.path is required")
	}
	if cfg.Trust.TTL <= 0 {
		return fmt.Errorf("trust.ttl must be positive")
	}
	if cfg.License.Issuer == "" || cfg.License.Audience == "" {
		return fmt.Errorf("license.issuer and license.audience are required")
	}
	if cfg.License.RefreshAfter <= 0 {
		return fmt.Errorf("license.refresh_after must be positive")
	}
	if cfg.License.GraceWindow < 0 {
		return fmt.Errorf("license.grace_window must not be negative")
	}
	if cfg.Sandbox.MaxMemoryBytes <= 0 {
		return fmt.Errorf("sandbox.max_memory_bytes must be positive")
	}
	if cfg.Sandbox.DefaultTimeout <= 0 {
		return fmt.Errorf("sandbox.default_timeout must be positive")
	}
	if cfg.Sandbox.WorkDir == "" {
		return fmt.Errorf("sandbox.work_dir is required")
	}
	if cfg.Script.Timeout <= 0 {
		return fmt.Errorf("script.timeout must be positive")
	}

	// Unresolved placeholders must not reach the network or the filesystem.
	for field, v := range map[string]string{
		"trust.url":          cfg.Trust.URL,
		"trust.path":         cfg.Trust.Path,
		"license.token":      cfg.License.Token,
		"license.server_url": cfg.License.ServerURL,
	} {
		if m := envVarPattern.FindStringSubmatch(v); m != nil {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
		}
	}
	return nil
}
