// Copyright 2026 Invariant Protocol
//
// Package attestation validates Android Key Attestation certificate
// chains: it confirms the leaf certificate's key matches the caller's
// claimed public key, walks the chain's signatures up to a pinned Google
// Hardware Root, and enforces the hardware-security policy encoded in the
// chain's KeyDescription extension (TEE/StrongBox only, device-locked
// verified boot, no user-presence bypass, challenge binding).
package attestation

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/invariant-id/keystone/pkg/crypto"
)

// ErrInvalidAttestation is the sentinel every rejection wraps; callers can
// match on it with errors.Is while still seeing the specific reason via
// the wrapped message.
var ErrInvalidAttestation = errors.New("attestation: invalid attestation chain")

const androidAttestationOID = "1.3.6.1.4.1.11129.2.1.17"

var androidAttestationOIDValue = mustParseOID(androidAttestationOID)

// ValidateChain validates an Android Key Attestation chain, leaf-first,
// against an expected public key and an optional nonce challenge. On
// success it returns the device-identity metadata the chain asserts.
//
// Malformed or adversarial input is expected on this path — it never
// panics; every failure mode returns a wrapped ErrInvalidAttestation.
func ValidateChain(chain [][]byte, expectedPublicKey []byte, expectedChallenge []byte) (meta *Metadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			meta = nil
			err = fmt.Errorf("%w: parser panic recovered: %v", ErrInvalidAttestation, r)
		}
	}()

	if len(chain) < 2 {
		return nil, fmt.Errorf("%w: chain length too short", ErrInvalidAttestation)
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("%w: leaf parse error: %v", ErrInvalidAttestation, err)
	}

	if !crypto.KeysEqual(leaf.RawSubjectPublicKeyInfo, expectedPublicKey) {
		return nil, fmt.Errorf("%w: public key mismatch: certificate does not match the key", ErrInvalidAttestation)
	}

	var extValue []byte
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(androidAttestationOIDValue) {
			extValue = ext.Value
			break
		}
	}
	if extValue == nil {
		return nil, fmt.Errorf("%w: missing android attestation extension", ErrInvalidAttestation)
	}

	meta, err = parseKeyDescription(extValue, expectedChallenge)
	if err != nil {
		return nil, err
	}

	parsed := make([]*x509.Certificate, len(chain))
	parsed[0] = leaf
	for i := 1; i < len(chain); i++ {
		cert, err := x509.ParseCertificate(chain[i])
		if err != nil {
			return nil, fmt.Errorf("%w: cert parse error at depth %d: %v", ErrInvalidAttestation, i, err)
		}
		parsed[i] = cert
	}

	for i := 0; i < len(parsed)-1; i++ {
		if err := parsed[i].CheckSignatureFrom(parsed[i+1]); err != nil {
			return nil, fmt.Errorf("%w: chain signature broken at depth %d: %v", ErrInvalidAttestation, i, err)
		}
	}

	if err := verifyGoogleRoot(parsed[len(parsed)-1]); err != nil {
		return nil, err
	}

	return meta, nil
}

func mustParseOID(dotted string) asn1.ObjectIdentifier {
	parts := strings.Split(dotted, ".")
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			panic("attestation: invalid OID constant " + dotted)
		}
		oid[i] = n
	}
	return oid
}

func verifyGoogleRoot(root *x509.Certificate) error {
	block, _ := pem.Decode([]byte(googleHardwareRootPEM))
	if block == nil {
		return fmt.Errorf("%w: pinned root PEM decode error", ErrInvalidAttestation)
	}
	expected, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: pinned root parse error: %v", ErrInvalidAttestation, err)
	}
	if !crypto.KeysEqual(root.RawSubjectPublicKeyInfo, expected.RawSubjectPublicKeyInfo) {
		return fmt.Errorf("%w: root of trust mismatch", ErrInvalidAttestation)
	}
	return nil
}
