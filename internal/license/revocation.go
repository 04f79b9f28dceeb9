package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/gatekeeper/internal/lock"
)

// RevocationFile persists revoked token ids as
// {"revoked_jtis": [...], "updated_at": <epoch>}.
type RevocationFile struct {
	Path string
}

type revocationDoc struct {
	RevokedJTIs []string `json:"revoked_jtis"`
	UpdatedAt   int64    `json:"updated_at"`
}

// Load reads the revoked ids. A missing file is an empty list.
func (f *RevocationFile) Load() ([]string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read revocation file: %w", err)
	}
	var doc revocationDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse revocation file: %w", err)
	}
	return doc.RevokedJTIs, nil
}

// Save rewrites the file atomically under an exclusive sidecar lock. The set
// only grows: ids already in the file are kept ahead of jtis.
func (f *RevocationFile) Save(ctx context.Context, jtis []string, now time.Time) error {
	l, err := lock.Acquire(ctx, f.Path+".lock")
	if err != nil {
		return err
	}
	defer l.Release()

	existing, err := f.Load()
	if err != nil {
		return err
	}
	jtis = unionJTIs(existing, jtis)
	body, err := json.Marshal(revocationDoc{RevokedJTIs: jtis, UpdatedAt: now.Unix()})
	if err != nil {
		return fmt.Errorf("marshal revocations: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create revocation directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".revoked-*.json")
	if err != nil {
		return fmt.Errorf("create temp revocation file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write revocations: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close revocations: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("replace revocation file: %w", err)
	}
	return nil
}

func unionJTIs(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, jti := range list {
			if _, ok := seen[jti]; ok {
				continue
			}
			seen[jti] = struct{}{}
			out = append(out, jti)
		}
	}
	return out
}
