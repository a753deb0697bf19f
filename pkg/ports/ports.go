// Copyright 2026 Invariant Protocol
//
// Package ports declares the storage contracts the engine depends on.
// Concrete implementations live under pkg/storage and pkg/noncestore;
// the engine never imports them directly (dependency inversion).
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/invariant-id/keystone/pkg/identity"
)

// ErrIdentityNotFound is the sentinel every IdentityStorage implementation
// must return (optionally wrapped) when an identity lookup misses, so the
// engine can distinguish "does not exist" from a storage failure without
// depending on any one backend's concrete error type.
var ErrIdentityNotFound = errors.New("ports: identity not found")

// IdentityStorage is the persistence contract for Identity records.
type IdentityStorage interface {
	GetIdentity(ctx context.Context, id uuid.UUID) (*identity.Identity, error)
	GetIdentityByPublicKey(ctx context.Context, publicKey []byte) (*identity.Identity, error)
	SaveIdentity(ctx context.Context, id *identity.Identity) error

	// LogHeartbeat atomically increments the identity's continuity score
	// (applying streak/grace-window rules), appends an immutable heartbeat
	// record carrying the nonce and device signature, and returns the new
	// score. hb.ID names the identity.
	LogHeartbeat(ctx context.Context, hb *identity.Heartbeat) (uint64, error)

	// RunReaper demotes identities whose last heartbeat predates the
	// storage-defined sweep window from Active to Dormant, returning the
	// count of identities demoted.
	RunReaper(ctx context.Context) (uint64, error)

	SetUsername(ctx context.Context, id uuid.UUID, username string) error
	GetLeaderboard(ctx context.Context, limit int) ([]identity.LeaderboardEntry, error)
	UpdateFCMToken(ctx context.Context, id uuid.UUID, token string) error

	// GetLateFCMTokens returns FCM tokens for identities whose last
	// heartbeat is older than staleAfter, for push-delivery triggering.
	GetLateFCMTokens(ctx context.Context, staleAfter time.Duration) ([]string, error)
}

// NonceStorage is the anti-replay contract. ConsumeNonce must be an atomic
// test-and-set: it returns true only the first time a given nonce is seen
// within ttl, and false (not an error) on replay.
type NonceStorage interface {
	ConsumeNonce(ctx context.Context, nonce []byte, ttl time.Duration) (fresh bool, err error)
}
