package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the name of the checksum manifest kept next to config.yaml.
const ChecksumFile = ".checksums"

// ChecksumManifest records the BLAKE3 hash of every locked file, keyed by
// absolute path.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashUpdateFileResult captures checksum generation outcome for one file.
type HashUpdateFileResult struct {
	Path   string
	Exists bool
	Hash   string
}

// HashUpdateReport captures checksum generation details for a config.
type HashUpdateReport struct {
	ChecksumPath string
	Written      bool
	Files        []HashUpdateFileResult
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// ChecksumPath returns where the manifest for cfg lives.
func ChecksumPath(cfg *Config) string {
	return filepath.Join(filepath.Dir(cfg.Path), ChecksumFile)
}

// LockedFiles lists the files covered by the checksum manifest: the config
// file itself and the local trust store.
func LockedFiles(cfg *Config) []string {
	files := []string{cfg.Path}
	if cfg.Trust.Path != "" {
		files = append(files, cfg.Trust.Path)
	}
	return files
}

// Lock computes hashes for the locked files and, unless dryRun, writes the
// manifest. Missing optional files are reported and left out.
func Lock(cfg *Config, dryRun bool) (*HashUpdateReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}
	report := &HashUpdateReport{ChecksumPath: ChecksumPath(cfg)}

	for _, path := range LockedFiles(cfg) {
		if !fileExists(path) {
			report.Files = append(report.Files, HashUpdateFileResult{Path: path})
			continue
		}
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}
		manifest.Hashes[path] = hash
		report.Files = append(report.Files, HashUpdateFileResult{Path: path, Exists: true, Hash: hash})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	// Restrictive permissions: the file holds expected hashes.
	if err := os.WriteFile(report.ChecksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads a checksum manifest.
func LoadChecksums(path string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'gatekeeper config lock'): %w", err)
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}
