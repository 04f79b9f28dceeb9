// Package testutil provides issuer- and publisher-side helpers for tests:
// key generation, token minting and manifest signing.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/mattjoyce/gatekeeper/internal/canonical"
	"github.com/mattjoyce/gatekeeper/internal/digest"
)

// KeyPair is an Ed25519 key with its SPKI DER public key in base64 transport form.
type KeyPair struct {
	KeyID   string
	Private ed25519.PrivateKey
	SPKI    string // "base64:<std base64 of SPKI DER>"
}

// NewKeyPair generates a fresh Ed25519 key.
func NewKeyPair(t testing.TB, kid string) KeyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := digest.MarshalSPKI(pub)
	if err != nil {
		t.Fatalf("marshal spki: %v", err)
	}
	return KeyPair{
		KeyID:   kid,
		Private: priv,
		SPKI:    "base64:" + base64.StdEncoding.EncodeToString(der),
	}
}

// MintToken signs header and claims into a compact three-segment token.
func MintToken(t testing.TB, key KeyPair, header, claims map[string]any) string {
	t.Helper()
	h, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	c, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	input := base64.RawURLEncoding.EncodeToString(h) + "." + base64.RawURLEncoding.EncodeToString(c)
	sig := ed25519.Sign(key.Private, []byte(input))
	return input + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// EntitlementClaims builds a standard claim set for one plugin.
func EntitlementClaims(iss, aud string, exp int64, pluginID, versionRange string, caps []string, graceDays float64) map[string]any {
	ent := map[string]any{
		"plugin_id":     pluginID,
		"version_range": versionRange,
		"capabilities":  toAny(caps),
	}
	if graceDays > 0 {
		ent["offline_grace_days"] = graceDays
	}
	return map[string]any{
		"iss":          iss,
		"aud":          aud,
		"sub":          "customer-1",
		"exp":          exp,
		"entitlements": []any{ent},
	}
}

// SignManifest signs the canonical manifest bytes (signature value removed) and
// stores "base64:<sig>" in integrity.signature.value. The manifest is returned
// as JSON.
func SignManifest(t testing.TB, key KeyPair, manifest map[string]any) []byte {
	t.Helper()
	integrity, _ := manifest["integrity"].(map[string]any)
	sig, _ := integrity["signature"].(map[string]any)
	if sig == nil {
		t.Fatalf("manifest has no integrity.signature block")
	}
	delete(sig, "value")
	signature := ed25519.Sign(key.Private, canonical.Encode(manifest))
	sig["value"] = "base64:" + base64.StdEncoding.EncodeToString(signature)

	out, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return out
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
