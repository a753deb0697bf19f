// Copyright 2026 Invariant Protocol
//
// Package engine orchestrates the identity lifecycle — Genesis,
// Heartbeat, ReAttestation, Verify, and action-signature validation —
// against the IdentityStorage and NonceStorage ports. All hardware and
// cryptographic verification is delegated to pkg/attestation and
// pkg/crypto; this package only sequences the checks and owns the
// storage-mutating side effects.
package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/invariant-id/keystone/pkg/attestation"
	"github.com/invariant-id/keystone/pkg/crypto"
	"github.com/invariant-id/keystone/pkg/identity"
	"github.com/invariant-id/keystone/pkg/ports"
)

// Default timing policy, used by New wherever a Config field is left
// zero-valued. Operators override these per-deployment via pkg/config's
// env vars and policy file.
const (
	defaultMaxTimestampDriftFuture = 30 * time.Second
	defaultMaxTimestampDriftPast   = 120 * time.Second
	defaultAttestationTTL          = 7 * 24 * time.Hour
	defaultRateLimitWindow         = 1380 * time.Minute
	defaultNonceTTL                = 5 * time.Minute
)

// Observer receives operation outcomes, for metrics reporting.
// pkg/metrics.Metrics satisfies it; a nil Observer disables reporting.
type Observer interface {
	ObserveGenesis(outcome string)
	ObserveHeartbeat(kind string, replay bool)
}

// Config parameterizes an Engine beyond its storage ports. Zero-valued
// duration fields fall back to the package defaults.
type Config struct {
	Network        identity.Network
	GenesisVersion string
	Observer       Observer

	MaxTimestampDriftFuture time.Duration
	MaxTimestampDriftPast   time.Duration
	AttestationTTL          time.Duration
	RateLimitWindow         time.Duration
	NonceTTL                time.Duration
}

// Engine is the hardware-identity verification core.
type Engine struct {
	storage      ports.IdentityStorage
	nonceStorage ports.NonceStorage
	config       Config
}

func New(storage ports.IdentityStorage, nonceStorage ports.NonceStorage, config Config) *Engine {
	if config.MaxTimestampDriftFuture == 0 {
		config.MaxTimestampDriftFuture = defaultMaxTimestampDriftFuture
	}
	if config.MaxTimestampDriftPast == 0 {
		config.MaxTimestampDriftPast = defaultMaxTimestampDriftPast
	}
	if config.AttestationTTL == 0 {
		config.AttestationTTL = defaultAttestationTTL
	}
	if config.RateLimitWindow == 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}
	if config.NonceTTL == 0 {
		config.NonceTTL = defaultNonceTTL
	}
	return &Engine{storage: storage, nonceStorage: nonceStorage, config: config}
}

// IdentityExists is a narrow read-only existence probe, used by callers
// that want to short-circuit before attempting a mutating operation.
func (e *Engine) IdentityExists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, err := e.storage.GetIdentity(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ports.ErrIdentityNotFound) {
		return false, nil
	}
	return false, errStorage(err)
}

// Genesis mints a new Identity from a validated attestation chain. It is
// idempotent by public key: a second Genesis call for an already-known
// public key returns the existing Identity rather than erroring.
func (e *Engine) Genesis(ctx context.Context, req *identity.GenesisRequest) (*identity.Identity, error) {
	id, outcome, err := e.mint(ctx, req)
	if e.config.Observer != nil {
		e.config.Observer.ObserveGenesis(outcome)
	}
	return id, err
}

func (e *Engine) mint(ctx context.Context, req *identity.GenesisRequest) (*identity.Identity, string, error) {
	if existing, err := e.storage.GetIdentityByPublicKey(ctx, req.PublicKey); err == nil {
		return existing, "idempotent_hit", nil
	} else if !errors.Is(err, ports.ErrIdentityNotFound) {
		return nil, "error", errStorage(err)
	}

	meta, err := attestation.ValidateChain(req.AttestationChain, req.PublicKey, req.Nonce)
	if err != nil {
		return nil, "rejected", errInvalidAttestation(err)
	}

	now := time.Now()
	id := &identity.Identity{
		ID:                 uuid.New(),
		PublicKey:          req.PublicKey,
		ContinuityScore:    0,
		Streak:             0,
		IsGenesisEligible:  false,
		CreatedAt:          now,
		LastHeartbeat:      now,
		LastAttestation:    now,
		Status:             identity.StatusActive,
		HardwareBrand:      meta.Brand,
		HardwareDeviceHash: hashDevice(meta.Device),
		HardwareProduct:    meta.Product,
		GenesisVersion:     e.config.GenesisVersion,
		Network:            e.config.Network,
	}

	if err := e.storage.SaveIdentity(ctx, id); err != nil {
		return nil, "error", errStorage(err)
	}
	return id, "minted", nil
}

// Heartbeat processes a periodic liveness/continuity proof. Checks run in
// a strict order: status gate, nonce consumption (before signature
// verification — a replayed nonce must never reach crypto), trust decay,
// rate limiting, signature verification, clock sanity, then the storage
// commit that actually advances continuity score and streak.
func (e *Engine) Heartbeat(ctx context.Context, hb *identity.Heartbeat) (uint64, error) {
	score, err := e.processHeartbeat(ctx, hb)
	if e.config.Observer != nil {
		if err == nil {
			e.config.Observer.ObserveHeartbeat("", false)
		} else {
			kind := KindUnknown
			if engErr, ok := As(err); ok {
				kind = engErr.Kind
			}
			e.config.Observer.ObserveHeartbeat(kind.String(), kind == KindReplayDetected)
		}
	}
	return score, err
}

func (e *Engine) processHeartbeat(ctx context.Context, hb *identity.Heartbeat) (uint64, error) {
	id, err := e.storage.GetIdentity(ctx, hb.ID)
	if err != nil {
		if errors.Is(err, ports.ErrIdentityNotFound) {
			return 0, errIdentityNotFound(hb.ID)
		}
		return 0, errStorage(err)
	}

	if id.Status == identity.StatusRevoked {
		return 0, newError(KindInvalidSignature, "identity is revoked")
	}

	fresh, err := e.nonceStorage.ConsumeNonce(ctx, hb.Nonce, e.config.NonceTTL)
	if err != nil {
		return 0, errStorage(err)
	}
	if !fresh {
		return 0, ErrReplayDetected
	}

	if time.Since(id.LastAttestation) > e.config.AttestationTTL {
		return 0, ErrAttestationRequired
	}

	if id.ContinuityScore > 0 && time.Since(id.LastHeartbeat) < e.config.RateLimitWindow {
		return 0, ErrRateLimitExceeded
	}

	nonceHex := hex.EncodeToString(hb.Nonce)
	signingString := crypto.HeartbeatSigningString(id.ID.String(), nonceHex, hb.Timestamp.Format(time.RFC3339))
	if err := crypto.VerifySignature(id.PublicKey, signingString, hb.Signature); err != nil {
		return 0, ErrInvalidSignature
	}

	age := time.Since(hb.Timestamp)
	if age > e.config.MaxTimestampDriftPast {
		return 0, errStaleHeartbeat(fmt.Sprintf("timestamp %s is too old", hb.Timestamp.Format(time.RFC3339)))
	}
	if age < -e.config.MaxTimestampDriftFuture {
		return 0, errStaleHeartbeat(fmt.Sprintf("timestamp %s is too far in the future", hb.Timestamp.Format(time.RFC3339)))
	}

	newScore, err := e.storage.LogHeartbeat(ctx, hb)
	if err != nil {
		return 0, errStorage(err)
	}
	return newScore, nil
}

// ReAttestation refreshes an Identity's trust timer by presenting a new
// attestation chain for the same public key, promoting Stale back to
// Active.
func (e *Engine) ReAttestation(ctx context.Context, req *identity.ReAttestationRequest) (*identity.Identity, error) {
	id, err := e.storage.GetIdentity(ctx, req.ID)
	if err != nil {
		if errors.Is(err, ports.ErrIdentityNotFound) {
			return nil, errIdentityNotFound(req.ID)
		}
		return nil, errStorage(err)
	}

	// Strict byte comparison, not curve-point equality: re-attestation is
	// not a key-rotation path, so the caller must present the exact bytes
	// the identity was minted with.
	if !bytes.Equal(id.PublicKey, req.PublicKey) {
		return nil, newError(KindInvalidSignature, "public key does not match identity")
	}

	meta, err := attestation.ValidateChain(req.AttestationChain, req.PublicKey, req.Nonce)
	if err != nil {
		return nil, errInvalidAttestation(err)
	}

	id.LastAttestation = time.Now()
	id.HardwareBrand = meta.Brand
	id.HardwareDeviceHash = hashDevice(meta.Device)
	id.HardwareProduct = meta.Product
	if id.Status == identity.StatusStale {
		id.Status = identity.StatusActive
	}

	if err := e.storage.SaveIdentity(ctx, id); err != nil {
		return nil, errStorage(err)
	}
	return id, nil
}

// Verify is a stateless validator-only check: it validates an attestation
// chain against an expected public key and challenge without touching the
// identity table, for B2B callers that only need a yes/no hardware
// judgment. Anti-replay still applies: the challenge is consumed through
// the nonce store before the chain is validated, the same nonce-first
// ordering Heartbeat uses, so a replayed challenge never reaches crypto.
func (e *Engine) Verify(ctx context.Context, chain [][]byte, expectedPublicKey, expectedChallenge []byte) (*attestation.Metadata, error) {
	fresh, err := e.nonceStorage.ConsumeNonce(ctx, expectedChallenge, e.config.NonceTTL)
	if err != nil {
		return nil, errStorage(err)
	}
	if !fresh {
		return nil, ErrReplayDetected
	}

	meta, err := attestation.ValidateChain(chain, expectedPublicKey, expectedChallenge)
	if err != nil {
		return nil, errInvalidAttestation(err)
	}
	return meta, nil
}

// ValidateActionSignature checks a signature over nonce||payloadHash for
// an already-genesis'd identity, for generic action authorization beyond
// heartbeats.
func (e *Engine) ValidateActionSignature(ctx context.Context, action *identity.ActionSignature) (bool, error) {
	id, err := e.storage.GetIdentity(ctx, action.ID)
	if err != nil {
		if errors.Is(err, ports.ErrIdentityNotFound) {
			return false, errIdentityNotFound(action.ID)
		}
		return false, errStorage(err)
	}

	message := crypto.ActionSigningMessage(action.Nonce, action.PayloadHash)
	if err := crypto.VerifySignature(id.PublicKey, message, action.Signature); err != nil {
		return false, nil
	}
	return true, nil
}
