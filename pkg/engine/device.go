// Copyright 2026 Invariant Protocol
package engine

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashDevice digests a raw hardware device string before it is carried
// into an Identity record, so storage backends never persist the
// cleartext device string.
func hashDevice(device string) string {
	if device == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(device))
	return hex.EncodeToString(sum[:])
}
