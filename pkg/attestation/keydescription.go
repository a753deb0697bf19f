// Copyright 2026 Invariant Protocol
package attestation

import (
	"encoding/asn1"
	"fmt"
	"unicode/utf8"
)

// Android Key Attestation ASN.1 tag numbers, from the KeyMint/Keymaster
// authorization list tag space. Security-relevant tags first, metadata
// tags second.
const (
	tagNoAuthRequired        = 503
	tagRootOfTrust           = 704
	tagAttestationIDBrand    = 710
	tagAttestationIDDevice   = 711
	tagAttestationIDProduct  = 712
	tagAttestationManufactur = 716
	tagAttestationIDModel    = 717
)

// minKeyDescriptionFields is the minimum length of the top-level
// KeyDescription SEQUENCE: attestationVersion, attestationSecurityLevel,
// keymasterVersion, keymasterSecurityLevel, attestationChallenge, uniqueId,
// softwareEnforced, teeEnforced (indices 0..7).
const minKeyDescriptionFields = 8

// securityLevel mirrors the KeyMint SecurityLevel enum.
type securityLevel int

const (
	securityLevelSoftware  securityLevel = 0
	securityLevelTEE       securityLevel = 1
	securityLevelStrongBox securityLevel = 2
)

func (s securityLevel) String() string {
	switch s {
	case securityLevelTEE:
		return "TEE (TrustZone)"
	case securityLevelStrongBox:
		return "StrongBox (SE)"
	default:
		return "Software"
	}
}

// Metadata is what a validated KeyDescription extension yields: the
// device-identity strings it asserts and the trust tier it was issued at.
type Metadata struct {
	Brand          string
	Device         string
	Product        string
	TrustTier      string
	IsBootLocked   bool
	IsVerifiedBoot bool
	NoAuthRequired bool
}

// parseKeyDescription walks the Android Key Attestation extension value
// (the KeyDescription SEQUENCE) and enforces the hardware-security policy:
// TEE/StrongBox only, device-locked verified boot, no user-presence bypass,
// and challenge binding. It never panics on malformed input — every ASN.1
// step returns an error instead.
func parseKeyDescription(extensionValue []byte, expectedChallenge []byte) (*Metadata, error) {
	var top []asn1.RawValue
	if _, err := asn1.Unmarshal(extensionValue, &top); err != nil {
		return nil, fmt.Errorf("%w: ASN.1 header error: %v", ErrInvalidAttestation, err)
	}
	if len(top) < minKeyDescriptionFields {
		return nil, fmt.Errorf("%w: extension sequence too short (%d fields)", ErrInvalidAttestation, len(top))
	}

	level, err := rawToInt(top[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid securityLevel: %v", ErrInvalidAttestation, err)
	}
	if securityLevel(level) != securityLevelTEE && securityLevel(level) != securityLevelStrongBox {
		return nil, fmt.Errorf("%w: rejected: software-backed key", ErrInvalidAttestation)
	}

	challenge := top[4].Bytes
	if expectedChallenge != nil && !bytesEqual(challenge, expectedChallenge) {
		return nil, fmt.Errorf("%w: challenge mismatch", ErrInvalidAttestation)
	}

	var teeEnforced []asn1.RawValue
	if _, err := asn1.Unmarshal(top[7].FullBytes, &teeEnforced); err != nil {
		return nil, fmt.Errorf("%w: teeEnforced is not a sequence: %v", ErrInvalidAttestation, err)
	}

	meta := &Metadata{TrustTier: securityLevel(level).String()}
	hasRootOfTrust := false

	for _, item := range teeEnforced {
		switch item.Tag {
		case tagRootOfTrust:
			hasRootOfTrust = true
			locked, verified, err := parseRootOfTrust(item.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed rootOfTrust: %v", ErrInvalidAttestation, err)
			}
			meta.IsBootLocked = locked
			meta.IsVerifiedBoot = verified
		case tagNoAuthRequired:
			meta.NoAuthRequired = true
		case tagAttestationIDBrand:
			meta.Brand, _ = extractString(item)
		case tagAttestationIDDevice:
			meta.Device, _ = extractString(item)
		case tagAttestationIDProduct:
			meta.Product, _ = extractString(item)
		case tagAttestationManufactur:
			if meta.Brand == "" {
				meta.Brand, _ = extractString(item)
			}
		case tagAttestationIDModel:
			if meta.Device == "" {
				meta.Device, _ = extractString(item)
			}
		}
	}

	if !hasRootOfTrust {
		return nil, fmt.Errorf("%w: missing root of trust", ErrInvalidAttestation)
	}
	if !meta.IsBootLocked {
		return nil, fmt.Errorf("%w: bootloader unlocked", ErrInvalidAttestation)
	}
	if !meta.IsVerifiedBoot {
		return nil, fmt.Errorf("%w: OS integrity failed", ErrInvalidAttestation)
	}
	if meta.NoAuthRequired {
		return nil, fmt.Errorf("%w: user presence check failed", ErrInvalidAttestation)
	}

	return meta, nil
}

// parseRootOfTrust parses RootOfTrust ::= SEQUENCE { verifiedBootKey
// OCTET STRING, deviceLocked BOOLEAN, verifiedBootState ENUMERATED, ... }.
// verifiedBootState 0 means Verified.
func parseRootOfTrust(content []byte) (deviceLocked, verifiedBoot bool, err error) {
	var rot []asn1.RawValue
	if _, err := asn1.Unmarshal(content, &rot); err != nil {
		return false, false, err
	}
	if len(rot) < 3 {
		return false, false, fmt.Errorf("rootOfTrust sequence too short (%d fields)", len(rot))
	}

	var locked bool
	if _, err := asn1.Unmarshal(rot[1].FullBytes, &locked); err != nil {
		return false, false, fmt.Errorf("deviceLocked not boolean: %w", err)
	}

	state, err := rawToInt(rot[2])
	if err != nil {
		return false, false, fmt.Errorf("verifiedBootState not enumerated: %w", err)
	}

	return locked, state == 0, nil
}

// rawToInt decodes an INTEGER or ENUMERATED RawValue regardless of its
// original tag, by re-tagging it as a universal INTEGER before decoding.
func rawToInt(raw asn1.RawValue) (int, error) {
	reTagged := asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagInteger,
		IsCompound: false,
		Bytes:      raw.Bytes,
	}
	encoded, err := asn1.Marshal(reTagged)
	if err != nil {
		return 0, err
	}
	var out int
	if _, err := asn1.Unmarshal(encoded, &out); err != nil {
		return 0, err
	}
	return out, nil
}

// extractString recovers a UTF-8 string from an attestation-ID field. The
// field is [N] EXPLICIT, so item.Bytes holds one more nested TLV: typically
// an OCTET STRING, occasionally a UTF8String on some OEM HALs, and on a few
// an extra tagged wrapper around either, which is unwrapped exactly one
// level. When every nested parse fails, item.Bytes is tried directly as
// already-unwrapped string content.
func extractString(item asn1.RawValue) (string, bool) {
	var inner asn1.RawValue
	if _, err := asn1.Unmarshal(item.Bytes, &inner); err == nil {
		if s, ok := stringContent(inner); ok {
			return s, true
		}
		if inner.Class == asn1.ClassContextSpecific {
			var wrapped asn1.RawValue
			if _, err := asn1.Unmarshal(inner.Bytes, &wrapped); err == nil {
				if s, ok := stringContent(wrapped); ok {
					return s, true
				}
			}
		}
	}
	if len(item.Bytes) > 0 && utf8.Valid(item.Bytes) {
		return string(item.Bytes), true
	}
	return "", false
}

func stringContent(v asn1.RawValue) (string, bool) {
	if v.Class != asn1.ClassUniversal {
		return "", false
	}
	if v.Tag != asn1.TagOctetString && v.Tag != asn1.TagUTF8String {
		return "", false
	}
	if !utf8.Valid(v.Bytes) {
		return "", false
	}
	return string(v.Bytes), true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
