// Copyright 2026 Invariant Protocol
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/invariant-id/keystone/pkg/identity"
	"github.com/invariant-id/keystone/pkg/ports"
)

// fakeIdentityStorage is an in-memory, mutex-guarded stand-in for
// ports.IdentityStorage, built the same way the production
// noncestore/memory store is: a map plus a lock, no persistence.
type fakeIdentityStorage struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*identity.Identity
	byPubKey map[string]*identity.Identity

	getErr     error
	saveErr    error
	heartbeats map[uuid.UUID][]*identity.Heartbeat
}

func newFakeIdentityStorage() *fakeIdentityStorage {
	return &fakeIdentityStorage{
		byID:       make(map[uuid.UUID]*identity.Identity),
		byPubKey:   make(map[string]*identity.Identity),
		heartbeats: make(map[uuid.UUID][]*identity.Heartbeat),
	}
}

func (f *fakeIdentityStorage) seed(id *identity.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id.ID] = id
	f.byPubKey[string(id.PublicKey)] = id
}

func (f *fakeIdentityStorage) GetIdentity(ctx context.Context, id uuid.UUID) (*identity.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	got, ok := f.byID[id]
	if !ok {
		return nil, ports.ErrIdentityNotFound
	}
	clone := *got
	return &clone, nil
}

func (f *fakeIdentityStorage) GetIdentityByPublicKey(ctx context.Context, publicKey []byte) (*identity.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	got, ok := f.byPubKey[string(publicKey)]
	if !ok {
		return nil, ports.ErrIdentityNotFound
	}
	clone := *got
	return &clone, nil
}

func (f *fakeIdentityStorage) SaveIdentity(ctx context.Context, id *identity.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	clone := *id
	f.byID[id.ID] = &clone
	f.byPubKey[string(id.PublicKey)] = &clone
	return nil
}

func (f *fakeIdentityStorage) LogHeartbeat(ctx context.Context, hb *identity.Heartbeat) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	got, ok := f.byID[hb.ID]
	if !ok {
		return 0, ports.ErrIdentityNotFound
	}
	got.ContinuityScore++
	got.Streak++
	got.LastHeartbeat = hb.Timestamp
	f.heartbeats[hb.ID] = append(f.heartbeats[hb.ID], hb)
	return got.ContinuityScore, nil
}

func (f *fakeIdentityStorage) RunReaper(ctx context.Context) (uint64, error) {
	return 0, nil
}

func (f *fakeIdentityStorage) SetUsername(ctx context.Context, id uuid.UUID, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	got, ok := f.byID[id]
	if !ok {
		return ports.ErrIdentityNotFound
	}
	got.Username = username
	return nil
}

func (f *fakeIdentityStorage) GetLeaderboard(ctx context.Context, limit int) ([]identity.LeaderboardEntry, error) {
	return nil, nil
}

func (f *fakeIdentityStorage) UpdateFCMToken(ctx context.Context, id uuid.UUID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	got, ok := f.byID[id]
	if !ok {
		return ports.ErrIdentityNotFound
	}
	got.FCMToken = token
	return nil
}

func (f *fakeIdentityStorage) GetLateFCMTokens(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	return nil, nil
}

// fakeNonceStorage is a simple at-most-once set, ignoring ttl expiry —
// tests control which nonces are reused rather than relying on time-based
// expiry, which the real noncestore implementations cover separately.
type fakeNonceStorage struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newFakeNonceStorage() *fakeNonceStorage {
	return &fakeNonceStorage{seen: make(map[string]bool)}
}

func (f *fakeNonceStorage) ConsumeNonce(ctx context.Context, nonce []byte, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	key := string(nonce)
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

var errFakeStorage = errors.New("fake storage failure")
