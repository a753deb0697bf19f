// Copyright 2026 Invariant Protocol
//
// Package localdb implements pkg/ports.NonceStorage over cometbft-db, an
// embedded, disk-backed key-value store, giving single-node deployments a
// TTL-bound nonce ledger without an external cache.
//
// cometbft-db itself has no TTL or compare-and-swap primitive, so atomicity
// is provided by an in-process mutex guarding a Get-then-Set around every
// ConsumeNonce call.
package localdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/invariant-id/keystone/pkg/ports"
)

// Store is a disk-backed, mutex-guarded NonceStorage.
type Store struct {
	db dbm.DB
	mu sync.Mutex
}

// New opens (or creates) a goleveldb-backed nonce store at dir/name.db.
func New(name, dir string) (*Store, error) {
	db, err := dbm.NewDB(name, dbm.GoLevelDBBackend, dir)
	if err != nil {
		return nil, fmt.Errorf("localdb: open %s: %w", name, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ ports.NonceStorage = (*Store)(nil)

// ConsumeNonce is an atomic test-and-set: it reports true (fresh) the
// first time a nonce is seen within ttl, and records its expiry so a
// replay within that window reports false.
func (s *Store) ConsumeNonce(ctx context.Context, nonce []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.db.Get(nonce)
	if err != nil {
		return false, fmt.Errorf("localdb: get nonce: %w", err)
	}

	now := time.Now()
	if existing != nil {
		expiresAt := decodeExpiry(existing)
		if now.Before(expiresAt) {
			return false, nil
		}
	}

	if err := s.db.SetSync(nonce, encodeExpiry(now.Add(ttl))); err != nil {
		return false, fmt.Errorf("localdb: set nonce: %w", err)
	}
	return true, nil
}

func encodeExpiry(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func decodeExpiry(buf []byte) time.Time {
	if len(buf) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(buf)))
}
