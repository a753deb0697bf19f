// Copyright 2026 Invariant Protocol
package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates engine failures so callers can switch on them
// without string-matching error messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindIdentityNotFound
	KindAlreadyExists
	KindInvalidSignature
	KindInvalidAttestation
	KindStaleHeartbeat
	KindRateLimitExceeded
	KindStorage
	KindReplayDetected
	KindAttestationRequired
)

// String returns the snake_case name used as a metrics label value.
func (k Kind) String() string {
	switch k {
	case KindIdentityNotFound:
		return "identity_not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindInvalidAttestation:
		return "invalid_attestation"
	case KindStaleHeartbeat:
		return "stale_heartbeat"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindStorage:
		return "storage"
	case KindReplayDetected:
		return "replay_detected"
	case KindAttestationRequired:
		return "attestation_required"
	default:
		return "unknown"
	}
}

// Error is the engine's typed error. It always wraps a Kind so callers can
// branch with errors.As, and carries a human-readable message for logs.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func errIdentityNotFound(id uuid.UUID) *Error {
	return newError(KindIdentityNotFound, fmt.Sprintf("identity %s not found", id))
}

var (
	ErrAlreadyExists       = newError(KindAlreadyExists, "identity already exists")
	ErrInvalidSignature    = newError(KindInvalidSignature, "cryptographic signature validation failed")
	ErrRateLimitExceeded   = newError(KindRateLimitExceeded, "rate limit: heartbeats are allowed once per configured window")
	ErrReplayDetected      = newError(KindReplayDetected, "security alert: replay attack detected (nonce used twice)")
	ErrAttestationRequired = newError(KindAttestationRequired, "trust decay: hardware attestation is stale, re-attestation required")
)

func errInvalidAttestation(cause error) *Error {
	return wrapError(KindInvalidAttestation, "hardware attestation failed", cause)
}

func errStaleHeartbeat(reason string) *Error {
	return newError(KindStaleHeartbeat, fmt.Sprintf("verification rejected: %s", reason))
}

func errStorage(cause error) *Error {
	return wrapError(KindStorage, "storage failure", cause)
}

// As lets callers do: var engErr *engine.Error; errors.As(err, &engErr).
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
