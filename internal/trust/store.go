// Package trust loads the trust store: publisher keys for manifest
// signatures, issuer keys for entitlement tokens, and licensing policy.
package trust

import (
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/gatekeeper/internal/token"
)

// Key is a single Ed25519 public key.
type Key struct {
	KeyID     string `json:"kid"`
	Alg       string `json:"alg"`
	PublicKey string `json:"public_key_spki_der_base64"`
}

// Policy holds licensing defaults.
type Policy struct {
	OfflineGraceDaysDefault *float64 `json:"offline_grace_days_default,omitempty"`
}

// Store is the decoded trust store document.
type Store struct {
	PublisherKeys []Key   `json:"publisher_keys"`
	IssuerKeys    []Key   `json:"issuer_keys"`
	Policy        *Policy `json:"policy,omitempty"`
}

// Parse decodes and checks a trust store document.
func Parse(data []byte) (*Store, error) {
	var s Store
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse trust store: %w", err)
	}
	if s.PublisherKeys == nil && s.IssuerKeys == nil {
		return nil, fmt.Errorf("trust store has no publisher_keys or issuer_keys")
	}
	for _, k := range append(append([]Key{}, s.PublisherKeys...), s.IssuerKeys...) {
		if k.KeyID == "" {
			return nil, fmt.Errorf("trust store key missing kid")
		}
		if k.PublicKey == "" {
			return nil, fmt.Errorf("trust store key %q missing public key", k.KeyID)
		}
	}
	return &s, nil
}

// Publisher returns the publisher key with the given kid.
func (s *Store) Publisher(kid string) (Key, bool) {
	for _, k := range s.PublisherKeys {
		if k.KeyID == kid {
			return k, true
		}
	}
	return Key{}, false
}

// TokenKeys returns the issuer keys as token verifier candidates.
func (s *Store) TokenKeys() []token.Key {
	out := make([]token.Key, 0, len(s.IssuerKeys))
	for _, k := range s.IssuerKeys {
		out = append(out, token.Key{KeyID: k.KeyID, PublicKey: k.PublicKey})
	}
	return out
}

// DefaultGraceDays returns policy.offline_grace_days_default, or 0.
func (s *Store) DefaultGraceDays() float64 {
	if s.Policy == nil || s.Policy.OfflineGraceDaysDefault == nil {
		return 0
	}
	return *s.Policy.OfflineGraceDaysDefault
}
