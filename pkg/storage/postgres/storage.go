// Copyright 2026 Invariant Protocol
//
// Package postgres implements pkg/ports.IdentityStorage over PostgreSQL,
// reusing pkg/database's connection/migration client. It is the primary
// storage backend for deployments that run their own Postgres instance.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/invariant-id/keystone/pkg/database"
	"github.com/invariant-id/keystone/pkg/identity"
	"github.com/invariant-id/keystone/pkg/ports"
)

// streakGraceWindow is how long after the previous heartbeat a new one may
// arrive and still count toward the same streak, rather than resetting it.
const streakGraceWindow = 360 * time.Minute

// reaperSweepWindow is how long an identity may go without a heartbeat
// before RunReaper demotes it from Active to Dormant.
const reaperSweepWindow = 30 * 24 * time.Hour

// Storage implements ports.IdentityStorage over a *database.Client.
type Storage struct {
	client *database.Client
}

func New(client *database.Client) *Storage {
	return &Storage{client: client}
}

var _ ports.IdentityStorage = (*Storage)(nil)

func (s *Storage) GetIdentity(ctx context.Context, id uuid.UUID) (*identity.Identity, error) {
	row := s.client.QueryRowContext(ctx, selectIdentityByID, id)
	return scanIdentity(row)
}

func (s *Storage) GetIdentityByPublicKey(ctx context.Context, publicKey []byte) (*identity.Identity, error) {
	row := s.client.QueryRowContext(ctx, selectIdentityByPublicKey, publicKey)
	return scanIdentity(row)
}

func (s *Storage) SaveIdentity(ctx context.Context, id *identity.Identity) error {
	_, err := s.client.ExecContext(ctx, upsertIdentity,
		id.ID, id.PublicKey, id.ContinuityScore, id.Streak, id.Username,
		id.IsGenesisEligible, id.FCMToken, id.CreatedAt, id.LastHeartbeat,
		id.LastAttestation, string(id.Status), id.HardwareBrand,
		id.HardwareDeviceHash, id.HardwareProduct, id.GenesisVersion, string(id.Network),
	)
	if err != nil {
		return fmt.Errorf("postgres: save identity: %w", err)
	}
	return nil
}

// LogHeartbeat atomically advances continuity score and streak inside a
// transaction, applying the grace-window rule: a heartbeat within
// streakGraceWindow of the previous one extends the streak, otherwise the
// streak resets to 1. The heartbeat's nonce and device signature are
// appended to the heartbeats table so every accepted beat stays
// independently verifiable after the fact.
func (s *Storage) LogHeartbeat(ctx context.Context, hb *identity.Heartbeat) (uint64, error) {
	tx, err := s.client.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: log heartbeat begin: %w", err)
	}
	defer tx.Rollback()

	var lastHeartbeat time.Time
	var streak uint64
	row := tx.Tx().QueryRowContext(ctx, `SELECT last_heartbeat, streak FROM identities WHERE id = $1 FOR UPDATE`, hb.ID)
	if err := row.Scan(&lastHeartbeat, &streak); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %w", database.ErrIdentityNotFound, ports.ErrIdentityNotFound)
		}
		return 0, fmt.Errorf("postgres: log heartbeat lookup: %w", err)
	}

	if hb.Timestamp.Sub(lastHeartbeat) <= streakGraceWindow {
		streak++
	} else {
		streak = 1
	}

	var newScore uint64
	err = tx.Tx().QueryRowContext(ctx, `
		UPDATE identities
		SET continuity_score = continuity_score + 1,
		    streak = $2,
		    last_heartbeat = $3,
		    status = 'active'
		WHERE id = $1
		RETURNING continuity_score`, hb.ID, streak, hb.Timestamp).Scan(&newScore)
	if err != nil {
		return 0, fmt.Errorf("postgres: log heartbeat update: %w", err)
	}

	if _, err := tx.Tx().ExecContext(ctx, `
		INSERT INTO heartbeats (identity_id, nonce, device_signature, logged_at, score_after)
		VALUES ($1, $2, $3, $4, $5)`, hb.ID, hb.Nonce, hb.Signature, hb.Timestamp, newScore); err != nil {
		return 0, fmt.Errorf("postgres: log heartbeat insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("postgres: log heartbeat commit: %w", err)
	}
	return newScore, nil
}

func (s *Storage) RunReaper(ctx context.Context) (uint64, error) {
	cutoff := time.Now().Add(-reaperSweepWindow)
	result, err := s.client.ExecContext(ctx, `
		UPDATE identities SET status = 'dormant'
		WHERE status = 'active' AND last_heartbeat < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: run reaper: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: run reaper rows affected: %w", err)
	}
	return uint64(n), nil
}

func (s *Storage) SetUsername(ctx context.Context, id uuid.UUID, username string) error {
	_, err := s.client.ExecContext(ctx, `UPDATE identities SET username = $2 WHERE id = $1`, id, username)
	if err != nil {
		return fmt.Errorf("postgres: set username: %w", err)
	}
	return nil
}

func (s *Storage) GetLeaderboard(ctx context.Context, limit int) ([]identity.LeaderboardEntry, error) {
	rows, err := s.client.QueryContext(ctx, `
		SELECT id, COALESCE(username, ''), continuity_score, streak
		FROM identities
		WHERE status = 'active'
		ORDER BY continuity_score DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get leaderboard: %w", err)
	}
	defer rows.Close()

	var out []identity.LeaderboardEntry
	for rows.Next() {
		var entry identity.LeaderboardEntry
		if err := rows.Scan(&entry.ID, &entry.Username, &entry.ContinuityScore, &entry.Streak); err != nil {
			return nil, fmt.Errorf("postgres: scan leaderboard row: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Storage) UpdateFCMToken(ctx context.Context, id uuid.UUID, token string) error {
	_, err := s.client.ExecContext(ctx, `UPDATE identities SET fcm_token = $2 WHERE id = $1`, id, token)
	if err != nil {
		return fmt.Errorf("postgres: update fcm token: %w", err)
	}
	return nil
}

func (s *Storage) GetLateFCMTokens(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-staleAfter)
	rows, err := s.client.QueryContext(ctx, `
		SELECT fcm_token FROM identities
		WHERE fcm_token IS NOT NULL AND fcm_token != '' AND last_heartbeat < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: get late fcm tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("postgres: scan fcm token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func scanIdentity(row *sql.Row) (*identity.Identity, error) {
	var id identity.Identity
	var status, network string
	var username, fcmToken, brand, deviceHash, product sql.NullString

	err := row.Scan(
		&id.ID, &id.PublicKey, &id.ContinuityScore, &id.Streak, &username,
		&id.IsGenesisEligible, &fcmToken, &id.CreatedAt, &id.LastHeartbeat,
		&id.LastAttestation, &status, &brand, &deviceHash, &product,
		&id.GenesisVersion, &network,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %w", database.ErrIdentityNotFound, ports.ErrIdentityNotFound)
		}
		return nil, fmt.Errorf("postgres: scan identity: %w", err)
	}

	id.Status = identity.Status(status)
	id.Network = identity.Network(network)
	id.Username = username.String
	id.FCMToken = fcmToken.String
	id.HardwareBrand = brand.String
	id.HardwareDeviceHash = deviceHash.String
	id.HardwareProduct = product.String
	return &id, nil
}

const identityColumns = `id, public_key, continuity_score, streak, username,
	is_genesis_eligible, fcm_token, created_at, last_heartbeat,
	last_attestation, status, hardware_brand, hardware_device_hash,
	hardware_product, genesis_version, network`

var selectIdentityByID = fmt.Sprintf(`SELECT %s FROM identities WHERE id = $1`, identityColumns)
var selectIdentityByPublicKey = fmt.Sprintf(`SELECT %s FROM identities WHERE public_key = $1`, identityColumns)

const upsertIdentity = `
INSERT INTO identities (
	id, public_key, continuity_score, streak, username, is_genesis_eligible,
	fcm_token, created_at, last_heartbeat, last_attestation, status,
	hardware_brand, hardware_device_hash, hardware_product, genesis_version, network
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (id) DO UPDATE SET
	continuity_score = EXCLUDED.continuity_score,
	streak = EXCLUDED.streak,
	username = EXCLUDED.username,
	is_genesis_eligible = EXCLUDED.is_genesis_eligible,
	fcm_token = EXCLUDED.fcm_token,
	last_heartbeat = EXCLUDED.last_heartbeat,
	last_attestation = EXCLUDED.last_attestation,
	status = EXCLUDED.status,
	hardware_brand = EXCLUDED.hardware_brand,
	hardware_device_hash = EXCLUDED.hardware_device_hash,
	hardware_product = EXCLUDED.hardware_product`
