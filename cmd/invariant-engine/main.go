// Copyright 2026 Invariant Protocol
//
// invariant-engine is the bootstrap/wiring binary for the hardware-identity
// verification core: it loads configuration, constructs a storage backend
// and a nonce store, builds the Engine, runs pending database migrations
// when applicable, and serves Prometheus metrics. It exposes no request
// transport — wire-level request handling is owned by a separate service;
// only the metrics listener is served from this process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/invariant-id/keystone/pkg/config"
	"github.com/invariant-id/keystone/pkg/database"
	"github.com/invariant-id/keystone/pkg/engine"
	"github.com/invariant-id/keystone/pkg/identity"
	"github.com/invariant-id/keystone/pkg/metrics"
	"github.com/invariant-id/keystone/pkg/noncestore/localdb"
	"github.com/invariant-id/keystone/pkg/noncestore/memory"
	"github.com/invariant-id/keystone/pkg/ports"
	"github.com/invariant-id/keystone/pkg/storage/firestore"
	"github.com/invariant-id/keystone/pkg/storage/postgres"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("Starting invariant-engine")

	var (
		policyPath = flag.String("policy-file", "", "Path to a YAML policy document (overrides env-loaded defaults)")
		showHelp   = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	cfg := config.Load()
	if *policyPath != "" {
		if err := config.LoadPolicyFile(*policyPath, cfg); err != nil {
			log.Fatalf("failed to load policy file: %v", err)
		}
		log.Printf("applied policy file %s", *policyPath)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identityStorage, closeStorage, err := buildIdentityStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to build identity storage: %v", err)
	}
	defer closeStorage()

	nonceStorage, closeNonces, err := buildNonceStorage(cfg)
	if err != nil {
		log.Fatalf("failed to build nonce storage: %v", err)
	}
	defer closeNonces()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	eng := engine.New(identityStorage, nonceStorage, engine.Config{
		Network:                 identity.Network(cfg.Network),
		GenesisVersion:          cfg.GenesisVersion,
		Observer:                m,
		MaxTimestampDriftFuture: cfg.MaxTimestampDriftFuture,
		MaxTimestampDriftPast:   cfg.MaxTimestampDriftPast,
		AttestationTTL:          cfg.AttestationTTL,
		RateLimitWindow:         cfg.RateLimitWindow,
		NonceTTL:                cfg.NonceTTL,
	})
	log.Printf("engine ready: network=%s genesis_version=%s storage=%s nonce_store=%s",
		cfg.Network, cfg.GenesisVersion, cfg.StorageBackend, cfg.NonceStoreBackend)

	_ = eng // held by whichever transport (out of scope here) drives Genesis/Heartbeat/Verify

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down invariant-engine")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown: %v", err)
	}
	log.Printf("invariant-engine stopped")
}

// buildIdentityStorage constructs the IdentityStorage port implementation
// selected by cfg.StorageBackend, running migrations for Postgres.
func buildIdentityStorage(ctx context.Context, cfg *config.Config) (ports.IdentityStorage, func(), error) {
	switch cfg.StorageBackend {
	case "postgres":
		dbClient, err := database.NewClient(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := dbClient.MigrateUp(ctx); err != nil {
			dbClient.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		return postgres.New(dbClient), func() { dbClient.Close() }, nil

	case "firestore":
		fsStorage, err := firestore.New(ctx, &firestore.Config{
			ProjectID:       cfg.FirestoreProjectID,
			CredentialsFile: cfg.FirestoreCredentials,
			Enabled:         cfg.FirestoreEnabled,
			Logger:          log.New(log.Writer(), "[Firestore] ", log.LstdFlags),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect firestore: %w", err)
		}
		return fsStorage, func() { fsStorage.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// buildNonceStorage constructs the NonceStorage port implementation
// selected by cfg.NonceStoreBackend.
func buildNonceStorage(cfg *config.Config) (ports.NonceStorage, func(), error) {
	switch cfg.NonceStoreBackend {
	case "localdb":
		store, err := localdb.New("nonces", cfg.NonceStoreDataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open localdb nonce store: %w", err)
		}
		return store, func() { store.Close() }, nil

	case "memory":
		return memory.New(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown nonce store backend %q", cfg.NonceStoreBackend)
	}
}

func printHelp() {
	fmt.Println("invariant-engine — hardware identity verification core bootstrap")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  invariant-engine [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --policy-file=PATH   YAML policy document (network allowlist, TTLs, rate limits)")
	fmt.Println("  --help               Show this help message")
	fmt.Println()
	fmt.Println("This binary wires storage, nonce-store, and engine construction and serves")
	fmt.Println("Prometheus metrics. The identity request transport is a separate service.")
}
