// Copyright 2026 Invariant Protocol
//
// Package identity defines the data model for hardware-rooted identities:
// the Identity record itself, its lifecycle status, the network it was
// minted on, and the request/response shapes exchanged with the engine.
package identity

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Identity.
type Status string

const (
	StatusActive  Status = "active"
	StatusStale   Status = "stale"
	StatusDormant Status = "dormant"
	StatusRevoked Status = "revoked"
)

// Network identifies which deployment network an Identity was minted on.
type Network string

const (
	NetworkTestnet Network = "testnet"
	NetworkMainnet Network = "mainnet"
	NetworkDev     Network = "dev"
)

func (n Network) String() string { return string(n) }

// Identity is a hardware-rooted device identity, keyed by its TEE/SE-backed
// public key. ContinuityScore and Streak are monotonic under Heartbeat;
// HardwareDeviceHash stores a SHA-256 digest of the raw device string
// rather than the cleartext value.
type Identity struct {
	ID                 uuid.UUID
	PublicKey          []byte
	ContinuityScore    uint64
	Streak             uint64
	Username           string
	IsGenesisEligible  bool
	FCMToken           string
	CreatedAt          time.Time
	LastHeartbeat      time.Time
	LastAttestation    time.Time
	Status             Status
	HardwareBrand      string
	HardwareDeviceHash string
	HardwareProduct    string
	GenesisVersion     string
	Network            Network
}

// GenesisRequest mints a new Identity from a freshly validated attestation
// chain. PublicKey must match the leaf certificate's subjectPublicKeyInfo.
type GenesisRequest struct {
	PublicKey        []byte
	AttestationChain [][]byte
	Nonce            []byte
}

// Heartbeat is a periodic liveness/continuity proof signed by the device's
// attested key over the id|nonce|timestamp string (see pkg/crypto).
type Heartbeat struct {
	ID        uuid.UUID
	Nonce     []byte
	Timestamp time.Time
	Signature []byte
}

// ReAttestationRequest refreshes an Identity's trust timer by presenting a
// new attestation chain for the same public key.
type ReAttestationRequest struct {
	ID               uuid.UUID
	PublicKey        []byte
	AttestationChain [][]byte
	Nonce            []byte
}

// ActionSignature is a generic request to validate a signature over
// nonce||payload_hash for an already-genesis'd Identity.
type ActionSignature struct {
	ID          uuid.UUID
	PayloadHash []byte
	Nonce       []byte
	Signature   []byte
}

// LeaderboardEntry is one row of the continuity-score leaderboard.
type LeaderboardEntry struct {
	ID              uuid.UUID
	Username        string
	ContinuityScore uint64
	Streak          uint64
}
