package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the identity engine service.
type Config struct {
	// Identity / network selection
	Network        string // "mainnet", "testnet", or "dev" — see pkg/identity.Network
	GenesisVersion string

	// Server configuration
	ListenAddr  string
	MetricsAddr string
	HealthAddr  string

	// Database configuration (individual fields, consumed by pkg/database.Client)
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Firestore configuration (consumed by pkg/storage/firestore.Config)
	FirestoreEnabled     bool
	FirestoreProjectID   string
	FirestoreCredentials string

	// Storage backend selection: "postgres" or "firestore"
	StorageBackend string

	// Nonce store backend selection: "localdb" or "memory"
	NonceStoreBackend string
	NonceStoreDataDir string

	// Engine timing policy — overrides for pkg/engine's defaults
	AttestationTTL          time.Duration
	RateLimitWindow         time.Duration
	NonceTTL                time.Duration
	StreakGraceWindow       time.Duration // not passed to any storage backend; they use fixed constants
	ReaperSweepWindow       time.Duration // not passed to any storage backend; they use fixed constants
	MaxTimestampDriftFuture time.Duration
	MaxTimestampDriftPast   time.Duration
}

// Load builds a Config from the process environment, applying the same
// defaults a freshly provisioned dev instance should run with.
func Load() *Config {
	return &Config{
		Network:        getEnv("IDENTITY_NETWORK", "testnet"),
		GenesisVersion: getEnv("GENESIS_VERSION", "v1"),

		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		HealthAddr:  getEnv("HEALTH_ADDR", ":8081"),

		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnvInt("DB_PORT", 5432),
		DBUser:            getEnv("DB_USER", "identity"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBName:            getEnv("DB_NAME", "identity"),
		DBSSLMode:         getEnv("DB_SSLMODE", "disable"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),

		FirestoreEnabled:     getEnvBool("FIRESTORE_ENABLED", false),
		FirestoreProjectID:   getEnv("FIREBASE_PROJECT_ID", ""),
		FirestoreCredentials: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		StorageBackend: getEnv("STORAGE_BACKEND", "postgres"),

		NonceStoreBackend: getEnv("NONCE_STORE_BACKEND", "localdb"),
		NonceStoreDataDir: getEnv("NONCE_STORE_DATA_DIR", "./data/nonces"),

		AttestationTTL:          getEnvDuration("ATTESTATION_TTL", 7*24*time.Hour),
		RateLimitWindow:         getEnvDuration("RATE_LIMIT_WINDOW", 1380*time.Minute),
		NonceTTL:                getEnvDuration("NONCE_TTL", 5*time.Minute),
		StreakGraceWindow:       getEnvDuration("STREAK_GRACE_WINDOW", 360*time.Minute),
		ReaperSweepWindow:       getEnvDuration("REAPER_SWEEP_WINDOW", 30*24*time.Hour),
		MaxTimestampDriftFuture: getEnvDuration("MAX_TIMESTAMP_DRIFT_FUTURE", 30*time.Second),
		MaxTimestampDriftPast:   getEnvDuration("MAX_TIMESTAMP_DRIFT_PAST", 120*time.Second),
	}
}

// Policy holds the subset of configuration that operators manage as a
// static, version-controlled document rather than per-process env vars:
// which networks a deployment accepts identities for, the current
// genesis version, and the engine's timing knobs. LoadPolicyFile applies
// it on top of a Config built from the environment.
type Policy struct {
	AllowedNetworks []string `yaml:"allowed_networks"`
	GenesisVersion  string   `yaml:"genesis_version"`

	AttestationTTL          Duration `yaml:"attestation_ttl"`
	RateLimitWindow         Duration `yaml:"rate_limit_window"`
	NonceTTL                Duration `yaml:"nonce_ttl"`
	StreakGraceWindow       Duration `yaml:"streak_grace_window"`
	ReaperSweepWindow       Duration `yaml:"reaper_sweep_window"`
	MaxTimestampDriftFuture Duration `yaml:"max_timestamp_drift_future"`
	MaxTimestampDriftPast   Duration `yaml:"max_timestamp_drift_past"`
}

// Duration wraps time.Duration so policy files can write human strings
// ("360m") instead of nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadPolicyFile reads a YAML policy document from path and applies any
// fields it sets on top of cfg, which should already be populated from
// the environment via Load. A missing or zero-valued policy field leaves
// cfg's existing value untouched.
func LoadPolicyFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read policy file %s: %w", path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("config: parse policy file %s: %w", path, err)
	}

	if len(p.AllowedNetworks) > 0 && !contains(p.AllowedNetworks, cfg.Network) {
		return fmt.Errorf("config: network %q is not in policy's allowed_networks %v", cfg.Network, p.AllowedNetworks)
	}
	if p.GenesisVersion != "" {
		cfg.GenesisVersion = p.GenesisVersion
	}
	if p.AttestationTTL != 0 {
		cfg.AttestationTTL = time.Duration(p.AttestationTTL)
	}
	if p.RateLimitWindow != 0 {
		cfg.RateLimitWindow = time.Duration(p.RateLimitWindow)
	}
	if p.NonceTTL != 0 {
		cfg.NonceTTL = time.Duration(p.NonceTTL)
	}
	if p.StreakGraceWindow != 0 {
		cfg.StreakGraceWindow = time.Duration(p.StreakGraceWindow)
	}
	if p.ReaperSweepWindow != 0 {
		cfg.ReaperSweepWindow = time.Duration(p.ReaperSweepWindow)
	}
	if p.MaxTimestampDriftFuture != 0 {
		cfg.MaxTimestampDriftFuture = time.Duration(p.MaxTimestampDriftFuture)
	}
	if p.MaxTimestampDriftPast != 0 {
		cfg.MaxTimestampDriftPast = time.Duration(p.MaxTimestampDriftPast)
	}
	return nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// Validate checks that the configuration is internally consistent and
// sufficient to start the service. It is intentionally permissive about
// credentials (those are validated by whichever backend actually dials
// out) and strict about the choices that would otherwise fail silently.
func (c *Config) Validate() error {
	var errs []string

	switch c.Network {
	case "mainnet", "testnet", "dev":
	default:
		errs = append(errs, fmt.Sprintf("IDENTITY_NETWORK %q is not one of mainnet, testnet, dev", c.Network))
	}

	switch c.StorageBackend {
	case "postgres":
	case "firestore":
		if !c.FirestoreEnabled {
			errs = append(errs, "STORAGE_BACKEND=firestore requires FIRESTORE_ENABLED=true")
		}
		if c.FirestoreProjectID == "" {
			errs = append(errs, "STORAGE_BACKEND=firestore requires FIREBASE_PROJECT_ID")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_BACKEND %q is not one of postgres, firestore", c.StorageBackend))
	}

	switch c.NonceStoreBackend {
	case "localdb", "memory":
	default:
		errs = append(errs, fmt.Sprintf("NONCE_STORE_BACKEND %q is not one of localdb, memory", c.NonceStoreBackend))
	}

	if c.GenesisVersion == "" {
		errs = append(errs, "GENESIS_VERSION is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Helper functions for environment variable parsing.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
