// Copyright 2026 Invariant Protocol
//
// Package firestore implements pkg/ports.IdentityStorage over Google
// Cloud Firestore, for mobile-backend deployments that prefer a managed
// document store over operating Postgres.
package firestore

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/invariant-id/keystone/pkg/identity"
	"github.com/invariant-id/keystone/pkg/ports"
)

// isNotFound reports whether err is the gRPC NotFound status Firestore
// returns for a missing document.
func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

const (
	identitiesCollection = "identities"
	heartbeatsCollection = "heartbeats"
)

// Config configures the Firestore-backed storage client.
type Config struct {
	ProjectID       string
	CredentialsFile string
	Enabled         bool
	Logger          *log.Logger
}

// DefaultConfig reads Config from environment variables.
func DefaultConfig() *Config {
	return &Config{
		ProjectID:       os.Getenv("FIREBASE_PROJECT_ID"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Enabled:         getEnvBool("FIRESTORE_ENABLED", false),
		Logger:          log.New(os.Stdout, "[Firestore] ", log.LstdFlags),
	}
}

// Storage implements ports.IdentityStorage over Firestore documents. When
// disabled it still satisfies the interface but every method fails fast
// with a clear error, rather than silently no-opping on a storage port
// whose whole contract is persistence.
type Storage struct {
	app     *firebase.App
	client  *gcpfirestore.Client
	logger  *log.Logger
	enabled bool
}

func New(ctx context.Context, cfg *Config) (*Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[Firestore] ", log.LstdFlags)
	}

	if !cfg.Enabled {
		cfg.Logger.Println("Firestore storage is DISABLED - every storage call will return an error")
		return &Storage{logger: cfg.Logger, enabled: false}, nil
	}

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestore: FIREBASE_PROJECT_ID is required when enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: init firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore: init client: %w", err)
	}

	cfg.Logger.Printf("Firestore storage initialized for project: %s", cfg.ProjectID)
	return &Storage{app: app, client: client, logger: cfg.Logger, enabled: true}, nil
}

func (s *Storage) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

var _ ports.IdentityStorage = (*Storage)(nil)

// doc is the Firestore document shape for an Identity. Firestore times
// round-trip as time.Time natively; the hardware device field is stored
// as its hash, never cleartext.
type doc struct {
	PublicKey          []byte    `firestore:"publicKey"`
	ContinuityScore    int64     `firestore:"continuityScore"`
	Streak             int64     `firestore:"streak"`
	Username           string    `firestore:"username"`
	IsGenesisEligible  bool      `firestore:"isGenesisEligible"`
	FCMToken           string    `firestore:"fcmToken"`
	CreatedAt          time.Time `firestore:"createdAt"`
	LastHeartbeat      time.Time `firestore:"lastHeartbeat"`
	LastAttestation    time.Time `firestore:"lastAttestation"`
	Status             string    `firestore:"status"`
	HardwareBrand      string    `firestore:"hardwareBrand"`
	HardwareDeviceHash string    `firestore:"hardwareDeviceHash"`
	HardwareProduct    string    `firestore:"hardwareProduct"`
	GenesisVersion     string    `firestore:"genesisVersion"`
	Network            string    `firestore:"network"`
}

func toDoc(id *identity.Identity) doc {
	return doc{
		PublicKey:          id.PublicKey,
		ContinuityScore:    int64(id.ContinuityScore),
		Streak:             int64(id.Streak),
		Username:           id.Username,
		IsGenesisEligible:  id.IsGenesisEligible,
		FCMToken:           id.FCMToken,
		CreatedAt:          id.CreatedAt,
		LastHeartbeat:      id.LastHeartbeat,
		LastAttestation:    id.LastAttestation,
		Status:             string(id.Status),
		HardwareBrand:      id.HardwareBrand,
		HardwareDeviceHash: id.HardwareDeviceHash,
		HardwareProduct:    id.HardwareProduct,
		GenesisVersion:     id.GenesisVersion,
		Network:            id.Network.String(),
	}
}

func fromDoc(id uuid.UUID, d doc) *identity.Identity {
	return &identity.Identity{
		ID:                 id,
		PublicKey:          d.PublicKey,
		ContinuityScore:    uint64(d.ContinuityScore),
		Streak:             uint64(d.Streak),
		Username:           d.Username,
		IsGenesisEligible:  d.IsGenesisEligible,
		FCMToken:           d.FCMToken,
		CreatedAt:          d.CreatedAt,
		LastHeartbeat:      d.LastHeartbeat,
		LastAttestation:    d.LastAttestation,
		Status:             identity.Status(d.Status),
		HardwareBrand:      d.HardwareBrand,
		HardwareDeviceHash: d.HardwareDeviceHash,
		HardwareProduct:    d.HardwareProduct,
		GenesisVersion:     d.GenesisVersion,
		Network:            identity.Network(d.Network),
	}
}

func (s *Storage) requireEnabled() error {
	if !s.enabled {
		return fmt.Errorf("firestore: storage is disabled")
	}
	return nil
}

func (s *Storage) GetIdentity(ctx context.Context, id uuid.UUID) (*identity.Identity, error) {
	if err := s.requireEnabled(); err != nil {
		return nil, err
	}
	snap, err := s.client.Collection(identitiesCollection).Doc(id.String()).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ports.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("firestore: get identity: %w", err)
	}
	var d doc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("firestore: decode identity: %w", err)
	}
	return fromDoc(id, d), nil
}

func (s *Storage) GetIdentityByPublicKey(ctx context.Context, publicKey []byte) (*identity.Identity, error) {
	if err := s.requireEnabled(); err != nil {
		return nil, err
	}
	iter := s.client.Collection(identitiesCollection).Where("publicKey", "==", publicKey).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, ports.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("firestore: get identity by public key: %w", err)
	}

	var d doc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("firestore: decode identity: %w", err)
	}
	id, err := uuid.Parse(snap.Ref.ID)
	if err != nil {
		return nil, fmt.Errorf("firestore: identity document id is not a uuid: %w", err)
	}
	return fromDoc(id, d), nil
}

func (s *Storage) SaveIdentity(ctx context.Context, id *identity.Identity) error {
	if err := s.requireEnabled(); err != nil {
		return err
	}
	_, err := s.client.Collection(identitiesCollection).Doc(id.ID.String()).Set(ctx, toDoc(id))
	if err != nil {
		return fmt.Errorf("firestore: save identity: %w", err)
	}
	return nil
}

// heartbeatDoc is one immutable entry of an identity's heartbeats
// subcollection, carrying everything needed to re-verify the beat later.
type heartbeatDoc struct {
	Nonce           []byte    `firestore:"nonce"`
	DeviceSignature []byte    `firestore:"deviceSignature"`
	LoggedAt        time.Time `firestore:"loggedAt"`
	ScoreAfter      int64     `firestore:"scoreAfter"`
}

// LogHeartbeat runs inside a Firestore transaction so the read-modify-write
// of continuity score and streak is atomic, the document-store analogue
// of the Postgres backend's SELECT ... FOR UPDATE. Each accepted beat also
// appends a heartbeatDoc to the identity's heartbeats subcollection; that
// record is never updated afterwards.
func (s *Storage) LogHeartbeat(ctx context.Context, hb *identity.Heartbeat) (uint64, error) {
	if err := s.requireEnabled(); err != nil {
		return 0, err
	}
	ref := s.client.Collection(identitiesCollection).Doc(hb.ID.String())

	var newScore uint64
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *gcpfirestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return ports.ErrIdentityNotFound
			}
			return err
		}
		var d doc
		if err := snap.DataTo(&d); err != nil {
			return err
		}

		if hb.Timestamp.Sub(d.LastHeartbeat) <= streakGraceWindow {
			d.Streak++
		} else {
			d.Streak = 1
		}
		d.ContinuityScore++
		d.LastHeartbeat = hb.Timestamp
		d.Status = string(identity.StatusActive)
		newScore = uint64(d.ContinuityScore)

		if err := tx.Set(ref, d); err != nil {
			return err
		}
		return tx.Create(ref.Collection(heartbeatsCollection).NewDoc(), heartbeatDoc{
			Nonce:           hb.Nonce,
			DeviceSignature: hb.Signature,
			LoggedAt:        hb.Timestamp,
			ScoreAfter:      d.ContinuityScore,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("firestore: log heartbeat: %w", err)
	}
	return newScore, nil
}

// streakGraceWindow mirrors pkg/storage/postgres's pinned constant.
const streakGraceWindow = 360 * time.Minute

// reaperSweepWindow mirrors pkg/storage/postgres's pinned constant.
const reaperSweepWindow = 30 * 24 * time.Hour

func (s *Storage) RunReaper(ctx context.Context) (uint64, error) {
	if err := s.requireEnabled(); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-reaperSweepWindow)
	iter := s.client.Collection(identitiesCollection).
		Where("status", "==", string(identity.StatusActive)).
		Where("lastHeartbeat", "<", cutoff).
		Documents(ctx)
	defer iter.Stop()

	var count uint64
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("firestore: run reaper: %w", err)
		}
		if _, err := snap.Ref.Set(ctx, map[string]interface{}{"status": string(identity.StatusDormant)}, gcpfirestore.MergeAll); err != nil {
			return count, fmt.Errorf("firestore: run reaper demote: %w", err)
		}
		count++
	}
	return count, nil
}

func (s *Storage) SetUsername(ctx context.Context, id uuid.UUID, username string) error {
	if err := s.requireEnabled(); err != nil {
		return err
	}
	_, err := s.client.Collection(identitiesCollection).Doc(id.String()).
		Set(ctx, map[string]interface{}{"username": username}, gcpfirestore.MergeAll)
	if err != nil {
		return fmt.Errorf("firestore: set username: %w", err)
	}
	return nil
}

func (s *Storage) GetLeaderboard(ctx context.Context, limit int) ([]identity.LeaderboardEntry, error) {
	if err := s.requireEnabled(); err != nil {
		return nil, err
	}
	iter := s.client.Collection(identitiesCollection).
		Where("status", "==", string(identity.StatusActive)).
		OrderBy("continuityScore", gcpfirestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var out []identity.LeaderboardEntry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore: get leaderboard: %w", err)
		}
		var d doc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("firestore: decode leaderboard entry: %w", err)
		}
		id, err := uuid.Parse(snap.Ref.ID)
		if err != nil {
			continue
		}
		out = append(out, identity.LeaderboardEntry{
			ID: id, Username: d.Username,
			ContinuityScore: uint64(d.ContinuityScore), Streak: uint64(d.Streak),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ContinuityScore > out[j].ContinuityScore })
	return out, nil
}

func (s *Storage) UpdateFCMToken(ctx context.Context, id uuid.UUID, token string) error {
	if err := s.requireEnabled(); err != nil {
		return err
	}
	_, err := s.client.Collection(identitiesCollection).Doc(id.String()).
		Set(ctx, map[string]interface{}{"fcmToken": token}, gcpfirestore.MergeAll)
	if err != nil {
		return fmt.Errorf("firestore: update fcm token: %w", err)
	}
	return nil
}

func (s *Storage) GetLateFCMTokens(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	if err := s.requireEnabled(); err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-staleAfter)
	iter := s.client.Collection(identitiesCollection).
		Where("lastHeartbeat", "<", cutoff).
		Documents(ctx)
	defer iter.Stop()

	var tokens []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore: get late fcm tokens: %w", err)
		}
		var d doc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("firestore: decode identity: %w", err)
		}
		if d.FCMToken != "" {
			tokens = append(tokens, d.FCMToken)
		}
	}
	return tokens, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val == "true" || val == "1" || val == "yes"
}
