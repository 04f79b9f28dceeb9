// Package license decides whether a plugin may load and which of its declared
// capabilities it may use, and manages the entitlement token lifecycle.
package license

import "github.com/mattjoyce/gatekeeper/internal/plugin"

// Code identifies a gate diagnostic.
type Code string

const (
	CodeManifestInvalid    Code = "license.manifest_invalid"
	CodePolicyDenied       Code = "license.policy_denied"
	CodeTrustStoreMissing  Code = "license.trust_store_missing"
	CodeSignatureInvalid   Code = "license.signature_invalid"
	CodeHashMismatch       Code = "license.hash_mismatch"
	CodeMissing            Code = "license.missing"
	CodeEntitlementInvalid Code = "license.entitlement_invalid"
	CodeRevoked            Code = "license.revoked"
	CodeExpired            Code = "license.expired"

	// Manager-only codes.
	CodeInvalid            Code = "license.invalid"
	CodeRefreshUnavailable Code = "license.refresh_unavailable"
	CodeRefreshFailed      Code = "license.refresh_failed"
)

// Diagnostic is one gate finding.
type Diagnostic struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Decision is the gate result. A denied decision always carries an empty
// capability set.
type Decision struct {
	OK                bool                 `json:"ok"`
	AllowLoad         bool                 `json:"allow_load"`
	AllowCapabilities plugin.CapabilitySet `json:"allow_capabilities"`
	Diagnostics       []Diagnostic         `json:"diagnostics"`
}

// Error is a tagged manager failure.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }
