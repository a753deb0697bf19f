// Copyright 2026 Invariant Protocol
//
// Package memory implements pkg/ports.NonceStorage in-process, for tests
// and local development where no disk-backed store is wanted.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/invariant-id/keystone/pkg/ports"
)

// Store is a mutex-guarded in-memory nonce ledger.
type Store struct {
	mu     sync.Mutex
	expiry map[string]time.Time
}

func New() *Store {
	return &Store{expiry: make(map[string]time.Time)}
}

var _ ports.NonceStorage = (*Store)(nil)

func (s *Store) ConsumeNonce(ctx context.Context, nonce []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(nonce)
	now := time.Now()

	if expiresAt, seen := s.expiry[key]; seen && now.Before(expiresAt) {
		return false, nil
	}

	s.expiry[key] = now.Add(ttl)
	s.gc(now)
	return true, nil
}

// gc drops expired entries opportunistically so the map doesn't grow
// without bound under long-running, low-replay-rate workloads.
func (s *Store) gc(now time.Time) {
	for k, expiresAt := range s.expiry {
		if now.After(expiresAt) {
			delete(s.expiry, k)
		}
	}
}
