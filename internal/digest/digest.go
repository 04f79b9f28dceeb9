// Package digest holds the SHA-256 and Ed25519 primitives used by manifest and
// token verification.
package digest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	base64Prefix = "base64:"
	sha256Prefix = "sha256:"
)

var (
	// ErrBackendUnavailable reports that the runtime cannot perform the
	// requested primitive. It is never folded into a false verification.
	ErrBackendUnavailable = errors.New("digest: crypto backend unavailable")

	// ErrInvalidKey reports a public key that is not a DER SPKI Ed25519 key.
	ErrInvalidKey = errors.New("digest: invalid ed25519 spki public key")

	// ErrInvalidEncoding reports base64 input that cannot be decoded.
	ErrInvalidEncoding = errors.New("digest: invalid base64 encoding")
)

// ed25519Verify is swapped out in tests to simulate a missing backend.
var ed25519Verify = ed25519.Verify

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyEd25519 verifies sig over msg with an SPKI DER encoded Ed25519 public key.
// A malformed key returns ErrInvalidKey; a signature that does not verify
// returns false with a nil error.
func VerifyEd25519(spkiDER, msg, sig []byte) (bool, error) {
	if ed25519Verify == nil {
		return false, ErrBackendUnavailable
	}
	pub, err := ParseSPKI(spkiDER)
	if err != nil {
		return false, err
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519Verify(pub, msg, sig), nil
}

// ParseSPKI extracts an Ed25519 public key from SPKI DER bytes.
func ParseSPKI(spkiDER []byte) (ed25519.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(spkiDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key type %T", ErrInvalidKey, parsed)
	}
	return pub, nil
}

// MarshalSPKI encodes an Ed25519 public key as SPKI DER.
func MarshalSPKI(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal spki: %w", err)
	}
	return der, nil
}

// StripBase64Prefix removes an optional "base64:" transport prefix.
func StripBase64Prefix(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), base64Prefix)
}

// DecodeBase64 decodes standard base64 (padded or not) after stripping the
// optional "base64:" prefix.
func DecodeBase64(s string) ([]byte, error) {
	clean := StripBase64Prefix(s)
	if clean == "" {
		return nil, ErrInvalidEncoding
	}
	if b, err := base64.StdEncoding.DecodeString(clean); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(clean); err == nil {
		return b, nil
	}
	return nil, ErrInvalidEncoding
}

// DecodeBase64URL decodes unpadded (or padded) base64url as used by token segments.
func DecodeBase64URL(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, ErrInvalidEncoding
}

// ParseHashRef splits a "sha256:<hex>" reference and returns the lowercase hex.
// The prefix is optional; the digest must be 64 hex characters.
func ParseHashRef(ref string) (string, bool) {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ref), sha256Prefix))
	if len(h) != sha256.Size*2 {
		return "", false
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", false
	}
	return h, true
}

// HashRef formats a hex digest as "sha256:<hex>".
func HashRef(hexDigest string) string {
	return sha256Prefix + hexDigest
}
