package token

import (
	"encoding/json"
	"errors"
	"math"
	"slices"
	"strings"

	"github.com/mattjoyce/gatekeeper/internal/digest"
)

// Verify checks tok against the candidate issuer keys and opts.
//
// Every failure is returned as *Error, except a missing crypto backend which is
// returned as digest.ErrBackendUnavailable. Claim shape is validated before any
// signature work, and issuer/audience/time checks before the signature.
func Verify(tok string, keys []Key, opts Options) (*Verified, error) {
	now := opts.now()

	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, newError(CodeFormatInvalid, "token must have 3 segments", map[string]any{"segments": len(parts)})
	}
	headerSeg, claimsSeg, sigSeg := parts[0], parts[1], parts[2]

	header, err := decodeHeader(headerSeg)
	if err != nil {
		return nil, err
	}
	if header.Alg != AlgEdDSA {
		return nil, newError(CodeAlgNotSupported, "unsupported alg: "+header.Alg, nil)
	}

	if opts.RequiredKeyID != "" {
		if header.KeyID == "" {
			return nil, newError(CodeKidMissing, "kid is required but missing", nil)
		}
		if header.KeyID != opts.RequiredKeyID {
			return nil, newError(CodeUnknownKid, "kid does not match required kid", map[string]any{"kid": header.KeyID})
		}
	}

	key, err := resolveKey(header.KeyID, keys)
	if err != nil {
		return nil, err
	}

	claims, err := decodeClaims(claimsSeg)
	if err != nil {
		return nil, err
	}

	if claims.Issuer != opts.ExpectedIssuer {
		return nil, newError(CodeIssMismatch, "issuer mismatch", map[string]any{"iss": claims.Issuer})
	}
	if !slices.Contains(claims.Audience, opts.ExpectedAudience) {
		return nil, newError(CodeAudMismatch, "audience mismatch", map[string]any{"aud": claims.Audience})
	}
	if !opts.AllowExpired && claims.Expiry <= now {
		return nil, newError(CodeExpired, "token expired", map[string]any{"exp": claims.Expiry, "now": now})
	}
	if claims.NotBefore != nil && *claims.NotBefore > now {
		return nil, newError(CodeNotYetValid, "token not yet valid", map[string]any{"nbf": *claims.NotBefore, "now": now})
	}

	if err := verifySignature(key, headerSeg+"."+claimsSeg, sigSeg); err != nil {
		return nil, err
	}

	out := &Verified{Header: header, Claims: claims}
	if opts.RequiredPluginID != "" {
		ent, ok := out.Claims.Find(opts.RequiredPluginID)
		if !ok {
			return nil, newError(CodeEntitlementMissing, "no entitlement for required plugin_id",
				map[string]any{"plugin_id": opts.RequiredPluginID})
		}
		out.Entitlement = ent
	}
	return out, nil
}

// CodeOf returns the failure code carried by err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

func decodeHeader(seg string) (Header, error) {
	raw, err := decodeSegment(seg)
	if err != nil {
		return Header{}, newError(CodeHeaderInvalid, "invalid token header encoding", nil)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return Header{}, newError(CodeHeaderInvalid, "invalid token header JSON", nil)
	}
	h := Header{}
	h.Alg, _ = obj["alg"].(string)
	h.KeyID, _ = obj["kid"].(string)
	h.Type, _ = obj["typ"].(string)
	return h, nil
}

func resolveKey(kid string, keys []Key) (Key, error) {
	if kid != "" {
		for _, k := range keys {
			if k.KeyID == kid {
				return k, nil
			}
		}
		return Key{}, newError(CodeUnknownKid, "unknown kid", map[string]any{"kid": kid})
	}
	if len(keys) != 1 {
		return Key{}, newError(CodeKidMissing, "kid missing and issuer key set is not a singleton",
			map[string]any{"candidates": len(keys)})
	}
	return keys[0], nil
}

func verifySignature(key Key, signingInput, sigSeg string) error {
	sig, err := digest.DecodeBase64URL(sigSeg)
	if err != nil {
		return newError(CodeSignatureInvalid, "invalid signature encoding", nil)
	}
	spki, err := digest.DecodeBase64(key.PublicKey)
	if err != nil {
		return newError(CodeSignatureInvalid, "signature verification failed",
			map[string]any{"kid": key.KeyID, "message": err.Error()})
	}
	ok, err := digest.VerifyEd25519(spki, []byte(signingInput), sig)
	if errors.Is(err, digest.ErrBackendUnavailable) {
		return err
	}
	if err != nil {
		return newError(CodeSignatureInvalid, "signature verification failed",
			map[string]any{"kid": key.KeyID, "message": err.Error()})
	}
	if !ok {
		return newError(CodeSignatureInvalid, "invalid token signature", nil)
	}
	return nil
}

func decodeSegment(seg string) (any, error) {
	b, err := digest.DecodeBase64URL(seg)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func claimsInvalid(reason string) error {
	return newError(CodeClaimsInvalid, "invalid claims shape", map[string]any{"reason": reason})
}

// decodeClaims validates the claim set field by field so that a wrong type is
// reported as a shape failure rather than coerced.
func decodeClaims(seg string) (Claims, error) {
	raw, err := decodeSegment(seg)
	if err != nil {
		return Claims{}, claimsInvalid("claims segment is not JSON")
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return Claims{}, claimsInvalid("claims are not an object")
	}

	var c Claims
	if c.Issuer, ok = obj["iss"].(string); !ok {
		return Claims{}, claimsInvalid("iss must be a string")
	}
	switch aud := obj["aud"].(type) {
	case string:
		c.Audience = []string{aud}
	case []any:
		c.Audience = make([]string, 0, len(aud))
		for _, a := range aud {
			s, ok := a.(string)
			if !ok {
				return Claims{}, claimsInvalid("aud entries must be strings")
			}
			c.Audience = append(c.Audience, s)
		}
	default:
		return Claims{}, claimsInvalid("aud must be a string or list")
	}
	if c.Subject, ok = obj["sub"].(string); !ok {
		return Claims{}, claimsInvalid("sub must be a string")
	}
	exp, ok := epochSeconds(obj["exp"], math.Ceil)
	if !ok {
		return Claims{}, claimsInvalid("exp must be a finite number within ±2^53")
	}
	c.Expiry = exp
	if v, present := obj["nbf"]; present {
		nbf, ok := epochSeconds(v, math.Ceil)
		if !ok {
			return Claims{}, claimsInvalid("nbf must be a finite number within ±2^53")
		}
		c.NotBefore = &nbf
	}
	if v, present := obj["iat"]; present {
		iat, ok := epochSeconds(v, math.Floor)
		if !ok {
			return Claims{}, claimsInvalid("iat must be a finite number within ±2^53")
		}
		c.IssuedAt = &iat
	}
	if v, present := obj["jti"]; present {
		if c.TokenID, ok = v.(string); !ok {
			return Claims{}, claimsInvalid("jti must be a string")
		}
	}

	list, ok := obj["entitlements"].([]any)
	if !ok {
		return Claims{}, claimsInvalid("entitlements must be a list")
	}
	c.Entitlements = make([]Entitlement, 0, len(list))
	for _, item := range list {
		ent, err := decodeEntitlement(item)
		if err != nil {
			return Claims{}, err
		}
		c.Entitlements = append(c.Entitlements, ent)
	}
	return c, nil
}

func decodeEntitlement(item any) (Entitlement, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return Entitlement{}, claimsInvalid("entitlement must be an object")
	}
	var e Entitlement
	if e.PluginID, ok = obj["plugin_id"].(string); !ok {
		return Entitlement{}, claimsInvalid("entitlement plugin_id must be a string")
	}
	if e.VersionRange, ok = obj["version_range"].(string); !ok {
		return Entitlement{}, claimsInvalid("entitlement version_range must be a string")
	}
	caps, ok := obj["capabilities"].([]any)
	if !ok {
		return Entitlement{}, claimsInvalid("entitlement capabilities must be a list")
	}
	e.Capabilities = make([]string, 0, len(caps))
	for _, c := range caps {
		s, ok := c.(string)
		if !ok {
			return Entitlement{}, claimsInvalid("entitlement capabilities must be strings")
		}
		e.Capabilities = append(e.Capabilities, s)
	}
	if v, present := obj["offline_grace_days"]; present {
		days, ok := finite(v)
		if !ok {
			return Entitlement{}, claimsInvalid("entitlement offline_grace_days must be a number")
		}
		e.OfflineGraceDays = &days
	}
	return e, nil
}

// maxEpoch bounds time claims to the range a float64 holds exactly.
const maxEpoch = 1 << 53

// epochSeconds converts a NumericDate to whole seconds. exp and nbf round up
// so that comparisons against an integral now agree with the exact value.
func epochSeconds(v any, round func(float64) float64) (int64, bool) {
	f, ok := finite(v)
	if !ok || math.Abs(f) > maxEpoch {
		return 0, false
	}
	return int64(round(f)), true
}

func finite(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
