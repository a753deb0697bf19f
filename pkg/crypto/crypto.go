// Copyright 2026 Invariant Protocol
//
// Package crypto implements the P-256 ECDSA primitives the engine signs and
// verifies against: heartbeat signatures, action signatures, and public-key
// canonicalization between an attestation chain's leaf key and a caller's
// claimed public key.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

var (
	// ErrInvalidPublicKey is returned when a public key cannot be parsed
	// as a P-256 point, in either SPKI (X.509) or raw SEC1 form.
	ErrInvalidPublicKey = errors.New("crypto: not a valid P-256 public key")

	// ErrSignatureMismatch is returned when ECDSA verification fails.
	ErrSignatureMismatch = errors.New("crypto: signature verification failed")
)

// ParsePublicKey parses raw key bytes as a P-256 public key, trying SPKI
// (X.509 subjectPublicKeyInfo) first, then falling back to raw SEC1/
// uncompressed-point encoding.
func ParsePublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(raw); err == nil {
		if ecPub, ok := pub.(*ecdsa.PublicKey); ok && ecPub.Curve == elliptic.P256() {
			return ecPub, nil
		}
	}

	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return nil, ErrInvalidPublicKey
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// KeysEqual reports whether two public key encodings represent the same
// P-256 point. It compares raw bytes first (the common case: both sides
// use identical encodings) and only falls back to parsing-and-comparing
// curve points when the byte forms differ — e.g. one side sends SPKI DER
// and the other sends a raw SEC1 point.
func KeysEqual(a, b []byte) bool {
	if len(a) == len(b) {
		equal := true
		for i := range a {
			if a[i] != b[i] {
				equal = false
				break
			}
		}
		if equal {
			return true
		}
	}

	pa, err := ParsePublicKey(a)
	if err != nil {
		return false
	}
	pb, err := ParsePublicKey(b)
	if err != nil {
		return false
	}
	return pa.Curve == pb.Curve && pa.X.Cmp(pb.X) == 0 && pa.Y.Cmp(pb.Y) == 0
}

// VerifySignature verifies an ASN.1 DER-encoded ECDSA signature over the
// SHA-256 digest of message, using the given raw public key encoding.
func VerifySignature(publicKey, message, signature []byte) error {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	digest := sha256.Sum256(message)
	if !ecdsa.VerifyASN1(pub, digest[:], signature) {
		return ErrSignatureMismatch
	}
	return nil
}

// HeartbeatSigningString builds the exact string a device signs for a
// heartbeat: "{id}|{hex(nonce)}|{timestamp RFC3339}". Kept as a free
// function so pkg/engine and tests construct it identically.
func HeartbeatSigningString(id string, nonceHex string, timestampRFC3339 string) []byte {
	return []byte(id + "|" + nonceHex + "|" + timestampRFC3339)
}

// ActionSigningMessage builds the message signed for a generic action:
// nonce concatenated with the payload hash.
func ActionSigningMessage(nonce, payloadHash []byte) []byte {
	out := make([]byte, 0, len(nonce)+len(payloadHash))
	out = append(out, nonce...)
	out = append(out, payloadHash...)
	return out
}
