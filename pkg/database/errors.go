// Copyright 2026 Invariant Protocol
//
// Package database provides sentinel errors for repository operations.

package database

import "errors"

// Sentinel errors for database operations. pkg/storage/postgres wraps
// ErrIdentityNotFound together with ports.ErrIdentityNotFound so the engine
// can branch on the port-level sentinel regardless of backend.
var (
	// ErrNotFound is returned when a requested row is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrIdentityNotFound is returned when an identity record is not found.
	ErrIdentityNotFound = errors.New("identity not found")
)
