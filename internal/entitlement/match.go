// Package entitlement decides whether a verified claim set grants a plugin
// version its required capabilities.
package entitlement

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/mattjoyce/gatekeeper/internal/token"
)

// Code is a matcher failure code.
type Code string

const (
	CodeMissing          Code = "entitlement.missing"
	CodeVersionMismatch  Code = "entitlement.version_mismatch"
	CodeCapabilityDenied Code = "entitlement.capability_denied"
)

// Result reports the outcome of Match. Entitlement is set whenever an entry for
// the plugin exists, even on failure.
type Result struct {
	OK          bool
	Code        Code
	Message     string
	Entitlement *token.Entitlement
}

// Only bare MAJOR.MINOR.PATCH is accepted; pre-release and build suffixes,
// "v" prefixes and partial versions never match.
var strictVersion = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Match locates the entitlement for pluginID and checks version and capabilities.
func Match(claims *token.Claims, pluginID, version string, required []string) Result {
	ent, ok := claims.Find(pluginID)
	if !ok {
		return Result{Code: CodeMissing, Message: "Entitlement not found"}
	}
	if !Satisfies(ent.VersionRange, version) {
		return Result{Code: CodeVersionMismatch, Message: "Version not allowed", Entitlement: ent}
	}
	granted := make(map[string]struct{}, len(ent.Capabilities))
	for _, c := range ent.Capabilities {
		granted[c] = struct{}{}
	}
	for _, req := range required {
		if _, ok := granted[req]; !ok {
			return Result{Code: CodeCapabilityDenied, Message: "Capability not allowed: " + req, Entitlement: ent}
		}
	}
	return Result{OK: true, Entitlement: ent}
}

// Satisfies reports whether version is inside rng. rng is either an exact
// version or a caret range:
//
//	^1.2.3  >=1.2.3 <2.0.0
//	^0.2.3  >=0.2.3 <0.3.0
//	^0.0.3  =0.0.3
//
// Malformed input on either side yields false.
func Satisfies(rng, version string) bool {
	v, ok := parseStrict(version)
	if !ok {
		return false
	}
	if base, isCaret := strings.CutPrefix(rng, "^"); isCaret {
		b, ok := parseStrict(base)
		if !ok {
			return false
		}
		c, err := semver.NewConstraint("^" + b.String())
		if err != nil {
			return false
		}
		return c.Check(v)
	}
	exact, ok := parseStrict(rng)
	return ok && v.Equal(exact)
}

func parseStrict(raw string) (*semver.Version, bool) {
	raw = strings.TrimSpace(raw)
	if !strictVersion.MatchString(raw) {
		return nil, false
	}
	v, err := semver.StrictNewVersion(raw)
	if err != nil {
		return nil, false
	}
	return v, true
}
