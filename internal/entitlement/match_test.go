package entitlement

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/gatekeeper/internal/token"
)

func TestSatisfies(t *testing.T) {
	tests := []struct {
		rng, version string
		want         bool
	}{
		{"^1.2.0", "1.2.0", true},
		{"^1.2.0", "1.9.9", true},
		{"^1.2.0", "2.0.0", false},
		{"^1.2.0", "1.1.9", false},
		{"^0.1.0", "0.1.0", true},
		{"^0.1.0", "0.1.7", true},
		{"^0.1.0", "0.2.0", false},
		{"^0.1.3", "0.1.2", false},
		{"^0.0.3", "0.0.3", true},
		{"^0.0.3", "0.0.4", false},
		{"^0.0.3", "0.1.3", false},
		{"1.2.3", "1.2.3", true},
		{"1.2.3", "1.2.4", false},
		{" 1.2.3 ", "1.2.3", true},
		{"^1.2", "1.2.0", false},
		{"~1.2.0", "1.2.0", false},
		{">=1.0.0", "1.2.0", false},
		{"^1.2.0", "1.2.0-beta.1", false},
		{"^1.2.0", "v1.2.0", false},
		{"^1.2.0", "1.2", false},
		{"1.2.0+build", "1.2.0", false},
		{"", "1.2.0", false},
	}
	for _, tt := range tests {
		got := Satisfies(tt.rng, tt.version)
		assert.Equal(t, tt.want, got, "Satisfies(%q, %q)", tt.rng, tt.version)
	}
}

func claimsFor(ents ...token.Entitlement) *token.Claims {
	return &token.Claims{Issuer: "iss", Audience: []string{"aud"}, Entitlements: ents}
}

func TestMatch(t *testing.T) {
	claims := claimsFor(
		token.Entitlement{PluginID: "com.example.a", VersionRange: "^1.2.0", Capabilities: []string{"pricing", "export"}},
		token.Entitlement{PluginID: "com.example.b", VersionRange: "0.3.1", Capabilities: nil},
	)

	t.Run("granted", func(t *testing.T) {
		res := Match(claims, "com.example.a", "1.4.0", []string{"pricing"})
		assert.True(t, res.OK)
		assert.Equal(t, Code(""), res.Code)
		assert.Equal(t, "com.example.a", res.Entitlement.PluginID)
	})

	t.Run("no capabilities required", func(t *testing.T) {
		res := Match(claims, "com.example.b", "0.3.1", nil)
		assert.True(t, res.OK)
	})

	t.Run("missing", func(t *testing.T) {
		res := Match(claims, "com.example.c", "1.0.0", nil)
		assert.False(t, res.OK)
		assert.Equal(t, CodeMissing, res.Code)
		assert.Nil(t, res.Entitlement)
	})

	t.Run("version mismatch", func(t *testing.T) {
		res := Match(claims, "com.example.a", "2.0.0", nil)
		assert.False(t, res.OK)
		assert.Equal(t, CodeVersionMismatch, res.Code)
		assert.NotNil(t, res.Entitlement)
	})

	t.Run("capability denied", func(t *testing.T) {
		res := Match(claims, "com.example.a", "1.2.0", []string{"pricing", "ui"})
		assert.False(t, res.OK)
		assert.Equal(t, CodeCapabilityDenied, res.Code)
		assert.Equal(t, "Capability not allowed: ui", res.Message)
	})

	t.Run("malformed version", func(t *testing.T) {
		res := Match(claims, "com.example.a", "latest", nil)
		assert.Equal(t, CodeVersionMismatch, res.Code)
	})
}
