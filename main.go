// Copyright 2025 Signal ID
//
// Sign-up sequencer service.
//
// Accepts identity commitments over HTTP, batches them, drives the external
// prover, submits batches through the relayer, confirms mining, and serves
// inclusion proofs and Semaphore proof verification against recent roots.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/signalid/signup-sequencer/pkg/batcher"
	"github.com/signalid/signup-sequencer/pkg/chain"
	"github.com/signalid/signup-sequencer/pkg/config"
	"github.com/signalid/signup-sequencer/pkg/database"
	"github.com/signalid/signup-sequencer/pkg/identity"
	"github.com/signalid/signup-sequencer/pkg/metrics"
	"github.com/signalid/signup-sequencer/pkg/prover"
	"github.com/signalid/signup-sequencer/pkg/relayer"
	"github.com/signalid/signup-sequencer/pkg/semaphore"
	"github.com/signalid/signup-sequencer/pkg/server"
	"github.com/signalid/signup-sequencer/pkg/tree"
)

// Exit codes: 0 normal shutdown, 1 startup failure, 2 invariant violation
const (
	exitOK        = 0
	exitStartup   = 1
	exitInvariant = 2
)

// HealthStatus tracks component health for the /v2/health endpoint
type HealthStatus struct {
	mu        sync.RWMutex
	startTime time.Time

	status   string // "ok", "degraded", "starting"
	database string
	chain    string
	pipeline string
}

// healthReport is the /v2/health wire format, combining the tracked
// component states with a live store probe
type healthReport struct {
	Status   string                `json:"status"`
	Database string                `json:"database"`
	Chain    string                `json:"chain"`
	Pipeline string                `json:"pipeline"`
	Uptime   int64                 `json:"uptime_seconds"`
	Store    *database.StoreStatus `json:"store,omitempty"`
}

func newHealthStatus() *HealthStatus {
	return &HealthStatus{
		startTime: time.Now(),
		status:    "starting",
		database:  "unknown",
		chain:     "unknown",
		pipeline:  "unknown",
	}
}

func (h *HealthStatus) set(field *string, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*field = value
	if h.database == "connected" && h.pipeline == "active" {
		h.status = "ok"
	} else if h.status != "starting" {
		h.status = "degraded"
	}
}

func (h *HealthStatus) snapshot(store *database.StoreStatus) (int, any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	report := healthReport{
		Status:   h.status,
		Database: h.database,
		Chain:    h.chain,
		Pipeline: h.pipeline,
		Uptime:   int64(time.Since(h.startTime).Seconds()),
		Store:    store,
	}
	if store != nil && !store.Healthy {
		report.Status = "degraded"
	}
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	return status, report
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Parse()

	logger := log.New(os.Stderr, "[Sequencer] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("Failed to load configuration: %v", err)
		return exitStartup
	}
	if err := cfg.Validate(); err != nil {
		logger.Printf("Invalid configuration: %v", err)
		return exitStartup
	}
	logger.Printf("Starting with %s", cfg)

	health := newHealthStatus()

	// Database
	db, err := database.NewClient(cfg)
	if err != nil {
		logger.Printf("Failed to connect to database: %v", err)
		return exitStartup
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
	err = db.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		logger.Printf("Failed to run migrations: %v", err)
		return exitStartup
	}
	health.set(&health.database, "connected")

	repos := database.NewRepositories(db)

	// Tree rebuild: replay the identities log in order, repopulating the
	// layered snapshots and the recent-root window
	state, err := tree.NewState(cfg.TreeDepth)
	if err != nil {
		logger.Printf("Failed to create tree state: %v", err)
		return exitStartup
	}
	roots := tree.NewRootHistory(0)
	emptyRoot := tree.EmptyRoot(cfg.TreeDepth)

	rebuildStart := time.Now()
	replayed := 0
	err = repos.Identities.ReplayIdentities(context.Background(), func(row *database.Identity) error {
		mined := row.Status == database.StatusMined
		if err := state.ApplyLogRow(row.LeafIndex, row.Commitment, row.Root, mined); err != nil {
			return fmt.Errorf("row id=%d: %w", row.ID, err)
		}
		status := tree.RootPending
		if mined {
			status = tree.RootMined
		}
		roots.Add(row.Root, status, row.CreatedAt)
		replayed++
		return nil
	})
	if err != nil {
		logger.Printf("Failed to rebuild tree from log: %v", err)
		if errors.Is(err, tree.ErrRootMismatch) {
			return exitInvariant
		}
		return exitStartup
	}
	logger.Printf("Rebuilt tree from %d log rows in %s (root=%s)",
		replayed, time.Since(rebuildStart).Round(time.Millisecond), state.ProcessedRoot().Hex())

	// Chain reader and divergence check
	identityManager, err := chain.NewIdentityManager(cfg.EthereumURL, cfg.IdentityManagerAddress, nil)
	if err != nil {
		logger.Printf("Failed to connect to Ethereum: %v", err)
		return exitStartup
	}
	defer identityManager.Close()

	chainCtx, cancelChain := context.WithTimeout(context.Background(), 15*time.Second)
	chainRoot, err := identityManager.LatestRoot(chainCtx)
	cancelChain()
	if err != nil {
		logger.Printf("Warning: could not read on-chain root: %v", err)
		health.set(&health.chain, "disconnected")
	} else {
		health.set(&health.chain, "connected")
		if _, known := roots.Get(chainRoot); !known && chainRoot != emptyRoot {
			logger.Printf("FATAL: contract root %s is unknown to the local log", chainRoot.Hex())
			return exitInvariant
		}
	}

	// External collaborators
	insertionProver, err := prover.NewHTTPProver(&prover.HTTPProverConfig{
		Kind:      prover.KindInsertion,
		Endpoints: proverEndpoints(cfg.InsertionProverURLs),
		Timeout:   cfg.ProverTimeout.AsDuration(),
	})
	if err != nil {
		logger.Printf("Failed to configure insertion prover: %v", err)
		return exitStartup
	}
	deletionProver, err := prover.NewHTTPProver(&prover.HTTPProverConfig{
		Kind:      prover.KindDeletion,
		Endpoints: proverEndpoints(cfg.DeletionProverURLs),
		Timeout:   cfg.ProverTimeout.AsDuration(),
	})
	if err != nil {
		logger.Printf("Failed to configure deletion prover: %v", err)
		return exitStartup
	}
	rel, err := relayer.NewHTTPRelayer(&relayer.HTTPRelayerConfig{
		BaseURL: cfg.RelayerURL,
		Token:   cfg.RelayerToken,
		Timeout: cfg.RelayerTimeout.AsDuration(),
	})
	if err != nil {
		logger.Printf("Failed to configure relayer: %v", err)
		return exitStartup
	}

	verifier, err := semaphore.NewVerifier(cfg.SemaphoreVerifyingKeyPath, nil)
	if err != nil {
		logger.Printf("Failed to load Semaphore verifying key: %v", err)
		return exitStartup
	}

	// Pipeline
	instruments := metrics.New()
	intake := identity.NewIntake(repos, nil)

	fatalCh := make(chan error, 1)
	onFatal := func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	}

	submitter, err := batcher.NewSubmitter(repos, rel, identityManager, roots, &batcher.SubmitterConfig{
		PollInterval: cfg.PollPeriod.AsDuration(),
		EmptyRoot:    emptyRoot,
		OnFatal:      onFatal,
		Metrics:      instruments,
	})
	if err != nil {
		logger.Printf("Failed to create submitter: %v", err)
		return exitStartup
	}

	former, err := batcher.NewFormer(db, repos, state, roots, insertionProver, deletionProver, &batcher.FormerConfig{
		PollPeriod:       cfg.PollPeriod.AsDuration(),
		InsertionTimeout: cfg.InsertionTimeout.AsDuration(),
		DeletionTimeout:  cfg.DeletionTimeout.AsDuration(),
		Wake:             intake.Wake(),
		OnBatchFormed:    submitter.Notify,
		OnFatal:          onFatal,
		Metrics:          instruments,
	})
	if err != nil {
		logger.Printf("Failed to create batch former: %v", err)
		return exitStartup
	}

	finalizer, err := batcher.NewFinalizer(repos, state, roots, rel, &batcher.FinalizerConfig{
		PollInterval:          cfg.ChainPollInterval.AsDuration(),
		EmptyRoot:             emptyRoot,
		RequiredConfirmations: cfg.RequiredConfirmations,
		Blocks:                identityManager,
		OnFatal:               onFatal,
		Metrics:               instruments,
	})
	if err != nil {
		logger.Printf("Failed to create finalizer: %v", err)
		return exitStartup
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := former.Start(ctx); err != nil {
		logger.Printf("Failed to start batch former: %v", err)
		return exitStartup
	}
	if err := submitter.Start(ctx); err != nil {
		logger.Printf("Failed to start submitter: %v", err)
		return exitStartup
	}
	if err := finalizer.Start(ctx); err != nil {
		logger.Printf("Failed to start finalizer: %v", err)
		return exitStartup
	}
	health.set(&health.pipeline, "active")

	// HTTP API
	handlers := server.NewHandlers(&server.HandlersConfig{
		Intake:     intake,
		Repos:      repos,
		State:      state,
		Roots:      roots,
		Verifier:   verifier,
		MaxRootAge: cfg.MaxRootAge.AsDuration(),
		Health: func(r *http.Request) (int, any) {
			probeCtx, cancelProbe := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancelProbe()
			return health.snapshot(db.Status(probeCtx))
		},
		Metrics:    instruments,
	})
	mux := http.NewServeMux()
	handlers.Register(mux)

	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	apiErrCh := make(chan error, 1)
	go func() {
		logger.Printf("API listening on %s", cfg.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiErrCh <- err
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", instruments.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Printf("Metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("Metrics server failed: %v", err)
		}
	}()

	// Shutdown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case sig := <-signals:
		logger.Printf("Received %s, shutting down", sig)
	case err := <-fatalCh:
		logger.Printf("Invariant failure, shutting down: %v", err)
		exitCode = exitInvariant
	case err := <-apiErrCh:
		logger.Printf("API server failed, shutting down: %v", err)
		exitCode = exitStartup
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.AsDuration())
	defer cancelShutdown()

	former.Stop()
	submitter.Stop()
	finalizer.Stop()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("API shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Metrics shutdown error: %v", err)
	}

	logger.Println("Shutdown complete")
	return exitCode
}

// proverEndpoints converts the config's string-keyed endpoint table to sizes
func proverEndpoints(urls map[string]string) map[int]string {
	endpoints := make(map[int]string, len(urls))
	for key, url := range urls {
		size, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		endpoints[size] = url
	}
	return endpoints
}
