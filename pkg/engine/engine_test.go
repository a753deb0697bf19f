// Copyright 2026 Invariant Protocol
package engine

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/invariant-id/keystone/pkg/crypto"
	"github.com/invariant-id/keystone/pkg/identity"
)

func newTestEngine(storage *fakeIdentityStorage, nonces *fakeNonceStorage) *Engine {
	return New(storage, nonces, Config{
		Network:        identity.NetworkTestnet,
		GenesisVersion: "v1",
	})
}

func generateIdentityKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	spki, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal spki: %v", err)
	}
	return priv, spki
}

func seedActiveIdentity(t *testing.T, storage *fakeIdentityStorage, priv *ecdsa.PrivateKey, pub []byte) *identity.Identity {
	t.Helper()
	now := time.Now()
	id := &identity.Identity{
		ID:              uuid.New(),
		PublicKey:       pub,
		ContinuityScore: 0,
		Status:          identity.StatusActive,
		CreatedAt:       now.Add(-24 * time.Hour),
		LastHeartbeat:   now.Add(-2 * time.Hour),
		LastAttestation: now.Add(-time.Hour),
		GenesisVersion:  "v1",
		Network:         identity.NetworkTestnet,
	}
	storage.seed(id)
	return id
}

func signHeartbeat(priv *ecdsa.PrivateKey, idStr, nonceHex, ts string) []byte {
	signingString := crypto.HeartbeatSigningString(idStr, nonceHex, ts)
	digest := sha256.Sum256(signingString)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		panic(err)
	}
	return sig
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func TestEngineGenesisIdempotent(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	_, pub := generateIdentityKey(t)
	existing := &identity.Identity{
		ID:        uuid.New(),
		PublicKey: pub,
		Status:    identity.StatusActive,
	}
	storage.seed(existing)

	got, err := eng.Genesis(context.Background(), &identity.GenesisRequest{
		PublicKey:        pub,
		AttestationChain: [][]byte{{0x01}, {0x02}},
		Nonce:            []byte("nonce"),
	})
	if err != nil {
		t.Fatalf("expected idempotent genesis to succeed, got: %v", err)
	}
	if got.ID != existing.ID {
		t.Fatalf("expected genesis to return the existing identity %s, got %s", existing.ID, got.ID)
	}
}

func TestEngineGenesisInvalidAttestation(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	_, pub := generateIdentityKey(t)
	_, err := eng.Genesis(context.Background(), &identity.GenesisRequest{
		PublicKey:        pub,
		AttestationChain: [][]byte{{0x01}, {0x02}},
		Nonce:            []byte("nonce"),
	})
	if err == nil {
		t.Fatal("expected garbage attestation chain to be rejected")
	}
	engErr, ok := As(err)
	if !ok {
		t.Fatalf("expected an *engine.Error, got %T: %v", err, err)
	}
	if engErr.Kind != KindInvalidAttestation {
		t.Fatalf("expected KindInvalidAttestation, got %v", engErr.Kind)
	}
}

func TestEngineGenesisStorageFailurePropagates(t *testing.T) {
	storage := newFakeIdentityStorage()
	storage.getErr = errFakeStorage
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	_, pub := generateIdentityKey(t)
	_, err := eng.Genesis(context.Background(), &identity.GenesisRequest{PublicKey: pub})
	if err == nil {
		t.Fatal("expected storage failure to propagate")
	}
	engErr, ok := As(err)
	if !ok || engErr.Kind != KindStorage {
		t.Fatalf("expected KindStorage, got %v (%v)", engErr, err)
	}
}

func TestEngineHeartbeatSuccess(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)

	now := time.Now()
	nonce := []byte("nonce-1")
	sig := signHeartbeat(priv, id.ID.String(), hexEncode(nonce), now.Format(time.RFC3339))

	score, err := eng.Heartbeat(context.Background(), &identity.Heartbeat{
		ID:        id.ID,
		Nonce:     nonce,
		Timestamp: now,
		Signature: sig,
	})
	if err != nil {
		t.Fatalf("expected heartbeat to succeed, got: %v", err)
	}
	if score != 1 {
		t.Fatalf("expected continuity score 1, got %d", score)
	}
}

func TestEngineHeartbeatIdentityNotFound(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	_, err := eng.Heartbeat(context.Background(), &identity.Heartbeat{ID: uuid.New()})
	if err == nil {
		t.Fatal("expected not-found identity to be rejected")
	}
	engErr, ok := As(err)
	if !ok || engErr.Kind != KindIdentityNotFound {
		t.Fatalf("expected KindIdentityNotFound, got %v", err)
	}
}

func TestEngineHeartbeatRevokedIdentity(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)
	id.Status = identity.StatusRevoked
	storage.seed(id)

	_, err := eng.Heartbeat(context.Background(), &identity.Heartbeat{
		ID:        id.ID,
		Nonce:     []byte("n"),
		Timestamp: time.Now(),
		Signature: []byte("sig"),
	})
	if err == nil {
		t.Fatal("expected revoked identity to reject heartbeat")
	}
	engErr, ok := As(err)
	if !ok || engErr.Kind != KindInvalidSignature {
		t.Fatalf("expected KindInvalidSignature for revoked identity, got %v", err)
	}
}

func TestEngineHeartbeatReplayDetected(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)

	now := time.Now()
	nonce := []byte("replayed-nonce")
	sig := signHeartbeat(priv, id.ID.String(), hexEncode(nonce), now.Format(time.RFC3339))
	hb := &identity.Heartbeat{ID: id.ID, Nonce: nonce, Timestamp: now, Signature: sig}

	if _, err := eng.Heartbeat(context.Background(), hb); err != nil {
		t.Fatalf("expected first heartbeat to succeed, got: %v", err)
	}

	_, err := eng.Heartbeat(context.Background(), hb)
	if !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected on second use of the same nonce, got: %v", err)
	}
}

func TestEngineHeartbeatReplayCheckedBeforeSignature(t *testing.T) {
	// A replayed nonce must be rejected even when the signature itself is
	// garbage — nonce consumption happens before crypto verification.
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	_, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, nil, pub)
	nonce := []byte("reused")
	nonces.seen[string(nonce)] = true

	_, err := eng.Heartbeat(context.Background(), &identity.Heartbeat{
		ID:        id.ID,
		Nonce:     nonce,
		Timestamp: time.Now(),
		Signature: []byte("garbage-signature"),
	})
	if !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected replay to be caught before signature verification, got: %v", err)
	}
}

func TestEngineHeartbeatAttestationRequired(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)
	id.LastAttestation = time.Now().Add(-30 * 24 * time.Hour) // well past defaultAttestationTTL
	storage.seed(id)

	now := time.Now()
	nonce := []byte("n-attestation")
	sig := signHeartbeat(priv, id.ID.String(), hexEncode(nonce), now.Format(time.RFC3339))

	_, err := eng.Heartbeat(context.Background(), &identity.Heartbeat{
		ID:        id.ID,
		Nonce:     nonce,
		Timestamp: now,
		Signature: sig,
	})
	if !errors.Is(err, ErrAttestationRequired) {
		t.Fatalf("expected ErrAttestationRequired for stale attestation, got: %v", err)
	}
}

func TestEngineHeartbeatRateLimited(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)
	id.ContinuityScore = 5
	id.LastHeartbeat = time.Now().Add(-time.Minute) // within the default rate-limit window
	storage.seed(id)

	now := time.Now()
	nonce := []byte("n-ratelimit")
	sig := signHeartbeat(priv, id.ID.String(), hexEncode(nonce), now.Format(time.RFC3339))

	_, err := eng.Heartbeat(context.Background(), &identity.Heartbeat{
		ID:        id.ID,
		Nonce:     nonce,
		Timestamp: now,
		Signature: sig,
	})
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got: %v", err)
	}
}

func TestEngineHeartbeatFirstHeartbeatSkipsRateLimit(t *testing.T) {
	// ContinuityScore == 0 is the genesis case: rate limiting must not
	// block the very first heartbeat even if LastHeartbeat was just set.
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)
	id.ContinuityScore = 0
	id.LastHeartbeat = time.Now()
	storage.seed(id)

	now := time.Now()
	nonce := []byte("n-first")
	sig := signHeartbeat(priv, id.ID.String(), hexEncode(nonce), now.Format(time.RFC3339))

	if _, err := eng.Heartbeat(context.Background(), &identity.Heartbeat{
		ID:        id.ID,
		Nonce:     nonce,
		Timestamp: now,
		Signature: sig,
	}); err != nil {
		t.Fatalf("expected first heartbeat to bypass rate limiting, got: %v", err)
	}
}

func TestEngineHeartbeatInvalidSignature(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)

	now := time.Now()
	nonce := []byte("n-badsig")
	sig := signHeartbeat(priv, id.ID.String(), hexEncode(nonce), now.Format(time.RFC3339))
	sig[0] ^= 0xFF // corrupt the signature

	_, err := eng.Heartbeat(context.Background(), &identity.Heartbeat{
		ID:        id.ID,
		Nonce:     nonce,
		Timestamp: now,
		Signature: sig,
	})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got: %v", err)
	}
}

func TestEngineHeartbeatStaleTimestamp(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)

	staleTS := time.Now().Add(-time.Hour)
	nonce := []byte("n-stale")
	sig := signHeartbeat(priv, id.ID.String(), hexEncode(nonce), staleTS.Format(time.RFC3339))

	_, err := eng.Heartbeat(context.Background(), &identity.Heartbeat{
		ID:        id.ID,
		Nonce:     nonce,
		Timestamp: staleTS,
		Signature: sig,
	})
	if err == nil {
		t.Fatal("expected stale timestamp to be rejected")
	}
	engErr, ok := As(err)
	if !ok || engErr.Kind != KindStaleHeartbeat {
		t.Fatalf("expected KindStaleHeartbeat, got %v", err)
	}
}

func TestEngineHeartbeatFutureTimestamp(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)

	futureTS := time.Now().Add(time.Hour)
	nonce := []byte("n-future")
	sig := signHeartbeat(priv, id.ID.String(), hexEncode(nonce), futureTS.Format(time.RFC3339))

	_, err := eng.Heartbeat(context.Background(), &identity.Heartbeat{
		ID:        id.ID,
		Nonce:     nonce,
		Timestamp: futureTS,
		Signature: sig,
	})
	if err == nil {
		t.Fatal("expected future timestamp to be rejected")
	}
	engErr, ok := As(err)
	if !ok || engErr.Kind != KindStaleHeartbeat {
		t.Fatalf("expected KindStaleHeartbeat for clock drift, got %v", err)
	}
}

func TestEngineIdentityExists(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	_, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, nil, pub)

	exists, err := eng.IdentityExists(context.Background(), id.ID)
	if err != nil || !exists {
		t.Fatalf("expected existing identity to report exists=true, got %v, %v", exists, err)
	}

	exists, err = eng.IdentityExists(context.Background(), uuid.New())
	if err != nil || exists {
		t.Fatalf("expected unknown identity to report exists=false, got %v, %v", exists, err)
	}
}

func TestEngineReAttestationPublicKeyMismatch(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)
	_, otherPub := generateIdentityKey(t)

	_, err := eng.ReAttestation(context.Background(), &identity.ReAttestationRequest{
		ID:               id.ID,
		PublicKey:        otherPub,
		AttestationChain: [][]byte{{0x01}, {0x02}},
	})
	if err == nil {
		t.Fatal("expected public key mismatch to be rejected before attestation validation")
	}
	engErr, ok := As(err)
	if !ok || engErr.Kind != KindInvalidSignature {
		t.Fatalf("expected KindInvalidSignature, got %v", err)
	}
}

func TestEngineReAttestationRejectsReEncodedKey(t *testing.T) {
	// Re-attestation is not a rotation or re-encoding path: even the same
	// curve point presented as SEC1 instead of the minted SPKI bytes must
	// be refused.
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)
	sec1 := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)

	_, err := eng.ReAttestation(context.Background(), &identity.ReAttestationRequest{
		ID:               id.ID,
		PublicKey:        sec1,
		AttestationChain: [][]byte{{0x01}, {0x02}},
	})
	if err == nil {
		t.Fatal("expected a re-encoded public key to be rejected")
	}
	engErr, ok := As(err)
	if !ok || engErr.Kind != KindInvalidSignature {
		t.Fatalf("expected KindInvalidSignature, got %v", err)
	}
}

func TestEngineReAttestationInvalidAttestationPropagates(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)

	_, err := eng.ReAttestation(context.Background(), &identity.ReAttestationRequest{
		ID:               id.ID,
		PublicKey:        pub,
		AttestationChain: [][]byte{{0x01}, {0x02}},
	})
	if err == nil {
		t.Fatal("expected garbage attestation chain to fail")
	}
	engErr, ok := As(err)
	if !ok || engErr.Kind != KindInvalidAttestation {
		t.Fatalf("expected KindInvalidAttestation, got %v", err)
	}
}

func TestEngineValidateActionSignature(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)

	nonce := []byte("action-nonce")
	payloadHash := []byte("payload-hash")
	message := crypto.ActionSigningMessage(nonce, payloadHash)
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	ok, err := eng.ValidateActionSignature(context.Background(), &identity.ActionSignature{
		ID:          id.ID,
		PayloadHash: payloadHash,
		Nonce:       nonce,
		Signature:   sig,
	})
	if err != nil || !ok {
		t.Fatalf("expected valid action signature to validate, got %v, %v", ok, err)
	}

	sig[0] ^= 0xFF
	ok, err = eng.ValidateActionSignature(context.Background(), &identity.ActionSignature{
		ID:          id.ID,
		PayloadHash: payloadHash,
		Nonce:       nonce,
		Signature:   sig,
	})
	if err != nil {
		t.Fatalf("expected invalid signature to report false, not error, got: %v", err)
	}
	if ok {
		t.Fatal("expected corrupted signature to fail validation")
	}
}

func TestEngineValidateActionSignatureIdentityNotFound(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	_, err := eng.ValidateActionSignature(context.Background(), &identity.ActionSignature{ID: uuid.New()})
	if err == nil {
		t.Fatal("expected unknown identity to be rejected")
	}
	engErr, ok := As(err)
	if !ok || engErr.Kind != KindIdentityNotFound {
		t.Fatalf("expected KindIdentityNotFound, got %v", err)
	}
}

func TestEngineVerifyStatelessRejectsGarbage(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	_, err := eng.Verify(context.Background(), [][]byte{{0x01}, {0x02}}, []byte("k"), []byte("n"))
	if err == nil {
		t.Fatal("expected garbage chain to fail verification")
	}
	engErr, ok := As(err)
	if !ok || engErr.Kind != KindInvalidAttestation {
		t.Fatalf("expected KindInvalidAttestation, got %v", err)
	}
}

func TestEngineVerifyStatelessRejectsReplayedChallenge(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	eng := newTestEngine(storage, nonces)

	challenge := []byte("reused-challenge")
	if _, err := eng.Verify(context.Background(), [][]byte{{0x01}, {0x02}}, []byte("k"), challenge); err == nil {
		t.Fatal("expected first call to reach attestation validation and fail there")
	}

	_, err := eng.Verify(context.Background(), [][]byte{{0x01}, {0x02}}, []byte("k"), challenge)
	if err == nil {
		t.Fatal("expected replayed challenge to be rejected")
	}
	engErr, ok := As(err)
	if !ok || engErr.Kind != KindReplayDetected {
		t.Fatalf("expected KindReplayDetected, got %v", err)
	}
}

// TestEngineHeartbeatConcurrentWorkersFreshVsSharedNonce: N workers hit
// the same identity, half with distinct fresh nonces and half sharing one
// nonce. Every fresh-nonce worker and exactly one sharer should score,
// every sharer but the first should see
// ReplayDetected, and the identity's final continuity score must equal the
// number of accepted heartbeats.
func TestEngineHeartbeatConcurrentWorkersFreshVsSharedNonce(t *testing.T) {
	storage := newFakeIdentityStorage()
	nonces := newFakeNonceStorage()
	// A near-zero rate-limit window isolates the property under test (nonce
	// contention) from the unrelated race between one goroutine's stale
	// GetIdentity snapshot and another's concurrent LogHeartbeat commit,
	// which would otherwise make the accepted count scheduler-dependent.
	eng := New(storage, nonces, Config{
		Network:         identity.NetworkTestnet,
		GenesisVersion:  "v1",
		RateLimitWindow: time.Nanosecond,
	})

	priv, pub := generateIdentityKey(t)
	id := seedActiveIdentity(t, storage, priv, pub)
	id.LastHeartbeat = time.Now().Add(-48 * time.Hour)
	id.LastAttestation = time.Now()
	storage.seed(id)

	const freshCount = 5
	const sharerCount = 5
	sharedNonce := []byte("shared-nonce-0123456789012345678")

	type job struct {
		nonce []byte
	}
	jobs := make([]job, 0, freshCount+sharerCount)
	for i := 0; i < freshCount; i++ {
		jobs = append(jobs, job{nonce: []byte(fmt.Sprintf("fresh-nonce-%02d-0123456789012345", i))})
	}
	for i := 0; i < sharerCount; i++ {
		jobs = append(jobs, job{nonce: sharedNonce})
	}

	var wg sync.WaitGroup
	results := make([]error, len(jobs))
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, nonce []byte) {
			defer wg.Done()
			ts := time.Now()
			sig := signHeartbeat(priv, id.ID.String(), hexEncode(nonce), ts.Format(time.RFC3339))
			_, err := eng.Heartbeat(context.Background(), &identity.Heartbeat{
				ID:        id.ID,
				Nonce:     nonce,
				Timestamp: ts,
				Signature: sig,
			})
			results[i] = err
		}(i, j.nonce)
	}
	wg.Wait()

	var accepted, replayed int
	for _, err := range results {
		if err == nil {
			accepted++
			continue
		}
		if errors.Is(err, ErrReplayDetected) {
			replayed++
		}
	}

	if accepted != freshCount+1 {
		t.Fatalf("expected %d accepted heartbeats (fresh nonces + one sharer), got %d", freshCount+1, accepted)
	}
	if replayed != sharerCount-1 {
		t.Fatalf("expected %d replays (all but the first sharer), got %d", sharerCount-1, replayed)
	}

	final, err := storage.GetIdentity(context.Background(), id.ID)
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if final.ContinuityScore != uint64(accepted) {
		t.Fatalf("expected final continuity score %d, got %d", accepted, final.ContinuityScore)
	}
}
