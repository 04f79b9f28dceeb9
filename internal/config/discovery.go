package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable that overrides config discovery.
const EnvConfigPath = "GATEKEEPER_CONFIG"

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $GATEKEEPER_CONFIG, ~/.config/gatekeeper/config.yaml,
// /etc/gatekeeper/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	var candidates []string
	if p := os.Getenv(EnvConfigPath); p != "" {
		candidates = append(candidates, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "gatekeeper", "config.yaml"))
	}
	candidates = append(candidates, "/etc/gatekeeper/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/gatekeeper, /etc/gatekeeper, ./config.yaml)", EnvConfigPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
