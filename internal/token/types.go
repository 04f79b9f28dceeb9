// Package token verifies compact three-segment EdDSA entitlement tokens issued
// by an external licensing authority.
package token

import (
	"fmt"
	"time"
)

// AlgEdDSA is the only supported header algorithm.
const AlgEdDSA = "EdDSA"

// Header is the decoded first token segment.
type Header struct {
	Alg   string `json:"alg"`
	KeyID string `json:"kid,omitempty"`
	Type  string `json:"typ,omitempty"`
}

// Entitlement grants a plugin version range a set of capabilities.
type Entitlement struct {
	PluginID         string   `json:"plugin_id"`
	VersionRange     string   `json:"version_range"`
	Capabilities     []string `json:"capabilities"`
	OfflineGraceDays *float64 `json:"offline_grace_days,omitempty"`
}

// Claims is the decoded second token segment.
type Claims struct {
	Issuer       string        `json:"iss"`
	Audience     []string      `json:"aud"`
	Subject      string        `json:"sub"`
	Expiry       int64         `json:"exp"`
	NotBefore    *int64        `json:"nbf,omitempty"`
	IssuedAt     *int64        `json:"iat,omitempty"`
	TokenID      string        `json:"jti,omitempty"`
	Entitlements []Entitlement `json:"entitlements"`
}

// Find returns the entitlement entry for pluginID, matched exactly.
func (c *Claims) Find(pluginID string) (*Entitlement, bool) {
	for i := range c.Entitlements {
		if c.Entitlements[i].PluginID == pluginID {
			return &c.Entitlements[i], true
		}
	}
	return nil, false
}

// Key is a candidate issuer key.
type Key struct {
	KeyID string
	// PublicKey is SPKI DER, base64 encoded, optionally prefixed "base64:".
	PublicKey string
}

// Options controls claim validation.
type Options struct {
	ExpectedIssuer   string
	ExpectedAudience string
	RequiredPluginID string
	RequiredKeyID    string
	AllowExpired     bool
	Now              func() time.Time
}

func (o Options) now() int64 {
	if o.Now != nil {
		return o.Now().Unix()
	}
	return time.Now().Unix()
}

// Verified is the successful verification output.
type Verified struct {
	Header      Header
	Claims      Claims
	Entitlement *Entitlement
}

// Kind groups failure codes so callers can choose remediation.
type Kind string

const (
	KindFormat Kind = "format"
	KindCrypto Kind = "crypto"
	KindPolicy Kind = "policy"
)

// Code identifies a single failure.
type Code string

const (
	CodeFormatInvalid      Code = "jwt.format_invalid"
	CodeHeaderInvalid      Code = "jwt.header_invalid"
	CodeAlgNotSupported    Code = "jwt.alg_not_supported"
	CodeKidMissing         Code = "jwt.kid_missing"
	CodeUnknownKid         Code = "jwt.unknown_kid"
	CodeClaimsInvalid      Code = "jwt.claims_invalid"
	CodeIssMismatch        Code = "jwt.iss_mismatch"
	CodeAudMismatch        Code = "jwt.aud_mismatch"
	CodeExpired            Code = "jwt.expired"
	CodeNotYetValid        Code = "jwt.not_yet_valid"
	CodeSignatureInvalid   Code = "jwt.signature_invalid"
	CodeEntitlementMissing Code = "jwt.entitlement_missing"
)

var codeKinds = map[Code]Kind{
	CodeFormatInvalid:      KindFormat,
	CodeHeaderInvalid:      KindFormat,
	CodeAlgNotSupported:    KindFormat,
	CodeClaimsInvalid:      KindFormat,
	CodeKidMissing:         KindCrypto,
	CodeUnknownKid:         KindCrypto,
	CodeSignatureInvalid:   KindCrypto,
	CodeIssMismatch:        KindPolicy,
	CodeAudMismatch:        KindPolicy,
	CodeExpired:            KindPolicy,
	CodeNotYetValid:        KindPolicy,
	CodeEntitlementMissing: KindPolicy,
}

// Error is the tagged failure returned by Verify.
type Error struct {
	Code    Code
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, msg string, details map[string]any) *Error {
	return &Error{Code: code, Kind: codeKinds[code], Message: msg, Details: details}
}
