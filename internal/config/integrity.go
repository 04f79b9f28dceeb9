package config

import (
	"errors"
	"fmt"
	"os"
)

// IntegrityResult collects the outcome of a checksum verification.
type IntegrityResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

func (r *IntegrityResult) fail(format string, args ...any) {
	r.Passed = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// VerifyIntegrity checks the locked files of cfg against the checksum
// manifest. Without a manifest the check passes with a warning; with one,
// any mismatch, unlisted file or vanished file fails it.
func VerifyIntegrity(cfg *Config) (*IntegrityResult, error) {
	result := &IntegrityResult{Passed: true}
	path := ChecksumPath(cfg)

	manifest, err := LoadChecksums(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("no %s manifest found at %s; run 'gatekeeper config lock' to enable integrity verification", ChecksumFile, path))
			return result, nil
		}
		return nil, err
	}

	for _, file := range LockedFiles(cfg) {
		expected, listed := manifest.Hashes[file]
		if !fileExists(file) {
			if listed {
				result.fail("file %s is in %s but missing from disk", file, ChecksumFile)
			}
			continue
		}
		if !listed {
			result.fail("file %s not in %s manifest", file, ChecksumFile)
			continue
		}
		actual, err := ComputeBlake3Hash(file)
		if err != nil {
			result.fail("failed to hash %s: %v", file, err)
			continue
		}
		if actual != expected {
			result.fail("hash mismatch for %s (expected %s, got %s)", file, expected, actual)
		}
	}
	return result, nil
}
