package license

import (
	"errors"
	"sort"
	"time"

	"github.com/mattjoyce/gatekeeper/internal/digest"
	"github.com/mattjoyce/gatekeeper/internal/entitlement"
	"github.com/mattjoyce/gatekeeper/internal/plugin"
	"github.com/mattjoyce/gatekeeper/internal/token"
	"github.com/mattjoyce/gatekeeper/internal/trust"
)

// Default token issuer and audience for entitlement tokens.
const (
	DefaultIssuer   = "gatekeeper-license"
	DefaultAudience = "gatekeeper"
)

const secondsPerDay = 86400

// Input is everything the gate needs for one decision.
type Input struct {
	// Manifest is the raw manifest.json document.
	Manifest []byte
	// Artifacts maps artifact-relative paths to file contents.
	Artifacts  map[string][]byte
	TrustStore *trust.Store
	Token      string

	Issuer   string
	Audience string

	// Now defaults to the wall clock.
	Now time.Time
	// LastOnlineOK is the epoch of the last successful license refresh.
	LastOnlineOK int64
	// IsRevoked reports whether a token id has been revoked. Nil means none are.
	IsRevoked func(jti string) bool
}

type gate struct {
	in    Input
	diags []Diagnostic
}

func (g *gate) deny(code Code, msg string, details map[string]any) Decision {
	g.diags = append(g.diags, Diagnostic{Code: code, Message: msg, Details: details})
	return Decision{Diagnostics: g.diags}
}

// VerifyPluginLicense runs the license state machine for one manifest:
//
//	schema → integrity block → [paid: trust store → signature → artifact
//	hashes → entry coverage → token presence → token → revocation → expiry/grace →
//	entitlement] → decision
//
// The first failure ends the run. OSS manifests skip every paid step.
func VerifyPluginLicense(in Input) Decision {
	g := &gate{in: in, diags: []Diagnostic{}}

	if errs := plugin.Validate(in.Manifest); len(errs) > 0 {
		return g.deny(CodeManifestInvalid, "Manifest schema invalid", map[string]any{"errors": errs})
	}
	m, err := plugin.ParseManifest(in.Manifest)
	if err != nil {
		return g.deny(CodeManifestInvalid, "Manifest schema invalid", map[string]any{"errors": []string{err.Error()}})
	}

	if m.Integrity == nil {
		return g.deny(CodePolicyDenied, "Manifest integrity missing", nil)
	}

	declared := m.Declared()
	if !m.IsPaid() {
		return Decision{OK: true, AllowLoad: true, AllowCapabilities: declared, Diagnostics: g.diags}
	}

	store := in.TrustStore
	if store == nil {
		return g.deny(CodeTrustStoreMissing, "Trust store not available", nil)
	}

	if d, ok := g.checkSignature(m, store); !ok {
		return d
	}
	if d, ok := g.checkHashes(m); !ok {
		return d
	}
	if d, ok := g.checkEntryCoverage(m); !ok {
		return d
	}

	if in.Token == "" {
		return g.deny(CodeMissing, "Entitlement token missing", nil)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	issuer, audience := in.Issuer, in.Audience
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if audience == "" {
		audience = DefaultAudience
	}
	verified, err := token.Verify(in.Token, store.TokenKeys(), token.Options{
		ExpectedIssuer:   issuer,
		ExpectedAudience: audience,
		RequiredPluginID: m.ID,
		AllowExpired:     true,
		Now:              func() time.Time { return now },
	})
	if err != nil {
		return g.deny(CodeEntitlementInvalid, tokenMessage(err), tokenDetails(err))
	}

	jti := verified.Claims.TokenID
	if jti != "" && in.IsRevoked != nil && in.IsRevoked(jti) {
		return g.deny(CodeRevoked, "Entitlement revoked", map[string]any{"jti": jti})
	}

	nowEpoch := now.Unix()
	exp := verified.Claims.Expiry
	graceDays := store.DefaultGraceDays()
	if verified.Entitlement != nil && verified.Entitlement.OfflineGraceDays != nil {
		graceDays = *verified.Entitlement.OfflineGraceDays
	}
	if !WithinGrace(exp, nowEpoch, in.LastOnlineOK, graceDays*secondsPerDay) {
		return g.deny(CodeExpired, "Entitlement expired and grace window exceeded", map[string]any{
			"exp": exp, "now": nowEpoch, "last_ok": in.LastOnlineOK, "grace_days": graceDays,
		})
	}

	res := entitlement.Match(&verified.Claims, m.ID, m.Version, licensable(declared))
	if !res.OK {
		return g.deny(CodeEntitlementInvalid, res.Message, map[string]any{"code": string(res.Code)})
	}

	return Decision{OK: true, AllowLoad: true, AllowCapabilities: declared, Diagnostics: g.diags}
}

// WithinGrace reports whether a token expiring at exp is still usable at now,
// given the last successful online check and a grace window in seconds.
func WithinGrace(exp, now, lastOK int64, graceSeconds float64) bool {
	if exp > now {
		return true
	}
	return graceSeconds > 0 && lastOK > 0 && float64(now-lastOK) <= graceSeconds
}

func (g *gate) checkSignature(m *plugin.Manifest, store *trust.Store) (Decision, bool) {
	sig := m.Integrity.Signature
	if sig == nil || sig.Alg != "ed25519" || sig.Value == "" || sig.KeyID == "" {
		return g.deny(CodeSignatureInvalid, "Manifest signature missing or invalid", nil), false
	}
	key, ok := store.Publisher(sig.KeyID)
	if !ok {
		return g.deny(CodeSignatureInvalid, "Unknown publisher key", map[string]any{"kid": sig.KeyID}), false
	}

	spki, err := digest.DecodeBase64(key.PublicKey)
	if err != nil {
		return g.deny(CodeSignatureInvalid, "Manifest signature verification failed",
			map[string]any{"kid": sig.KeyID, "error": err.Error()}), false
	}
	raw, err := digest.DecodeBase64(sig.Value)
	if err != nil {
		return g.deny(CodeSignatureInvalid, "Manifest signature verification failed",
			map[string]any{"kid": sig.KeyID, "error": err.Error()}), false
	}
	valid, err := digest.VerifyEd25519(spki, m.SignableBytes(), raw)
	if err != nil || !valid {
		details := map[string]any{"kid": sig.KeyID}
		if err != nil {
			details["error"] = err.Error()
		}
		return g.deny(CodeSignatureInvalid, "Manifest signature verification failed", details), false
	}
	return Decision{}, true
}

func (g *gate) checkHashes(m *plugin.Manifest) (Decision, bool) {
	paths := make([]string, 0, len(m.Integrity.Hashes))
	for p := range m.Integrity.Hashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		data, ok := g.in.Artifacts[p]
		if !ok {
			return g.deny(CodeHashMismatch, "Missing artifact for "+p, map[string]any{"path": p}), false
		}
		expected, ok := digest.ParseHashRef(m.Integrity.Hashes[p])
		actual := digest.SHA256Hex(data)
		if !ok || actual != expected {
			return g.deny(CodeHashMismatch, "Hash mismatch for "+p, map[string]any{
				"path": p, "expected": expected, "actual": actual,
			}), false
		}
	}
	return Decision{}, true
}

// checkEntryCoverage requires every runtime entry of a paid manifest to be
// one of the hashed artifacts.
func (g *gate) checkEntryCoverage(m *plugin.Manifest) (Decision, bool) {
	for _, entry := range m.EntryPaths() {
		if _, _, ok := m.HashFor(entry); !ok {
			return g.deny(CodeHashMismatch, "Runtime entry not covered by integrity hashes: "+entry,
				map[string]any{"path": entry}), false
		}
	}
	return Decision{}, true
}

// licensable lists the declared capabilities an entitlement must grant.
func licensable(caps plugin.CapabilitySet) []string {
	var out []string
	if caps.Pricing {
		out = append(out, string(plugin.CapPricing))
	}
	if caps.Export {
		out = append(out, string(plugin.CapExport))
	}
	return out
}

func tokenMessage(err error) string {
	var te *token.Error
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}

func tokenDetails(err error) map[string]any {
	details := map[string]any{}
	var te *token.Error
	if errors.As(err, &te) {
		for k, v := range te.Details {
			details[k] = v
		}
		details["code"] = string(te.Code)
		details["kind"] = string(te.Kind)
	}
	return details
}
