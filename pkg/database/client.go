// Copyright 2025 Signal ID
//
// PostgreSQL client for the sequencer's durable store.
//
// Besides pooling and embedded schema migrations, the client exposes a
// store-level probe that reports the pipeline's queue depths (unprocessed
// insertions, pending deletions, log length, chain links) so the health
// endpoint can show where identities are sitting, not just whether the
// socket is up.

package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/signalid/signup-sequencer/pkg/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLedger tracks which schema files have been applied
const migrationLedger = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

// Client wraps the PostgreSQL pool backing the sequencer's durable state
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// ClientOption is a functional option for configuring the client
type ClientOption func(*Client)

// WithLogger sets a custom logger for the client
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient opens the pool and verifies the store is reachable
func NewClient(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil || cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	client := &Client{
		logger: log.New(log.Writer(), "[Store] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(client)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	db.SetMaxOpenConns(cfg.DatabaseMaxConns)
	db.SetMaxIdleConns(cfg.DatabaseMinConns)
	db.SetConnMaxIdleTime(time.Duration(cfg.DatabaseMaxIdleTime) * time.Second)
	db.SetConnMaxLifetime(time.Duration(cfg.DatabaseMaxLifetime) * time.Second)
	client.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store unreachable: %w", err)
	}

	client.logger.Printf("Store ready (pool %d open / %d idle)",
		cfg.DatabaseMaxConns, cfg.DatabaseMinConns)
	return client, nil
}

// DB returns the underlying *sql.DB for direct access
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close releases the pool
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	c.logger.Println("Store closed")
	return c.db.Close()
}

// Ping verifies the store is alive
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// QueryRowContext forwards to the underlying pool
func (c *Client) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// QueryContext forwards to the underlying pool
func (c *Client) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// ExecContext forwards to the underlying pool
func (c *Client) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// BeginTx starts a transaction on the underlying pool
func (c *Client) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// ============================================================================
// STORE STATUS
// ============================================================================

// StoreStatus reports pool health plus the pipeline's queue depths
type StoreStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`

	PoolOpen  int `json:"pool_open"`
	PoolInUse int `json:"pool_in_use"`

	QueuedInsertions int64 `json:"queued_insertions"`
	QueuedDeletions  int64 `json:"queued_deletions"`
	LogRows          int64 `json:"log_rows"`
	MinedRows        int64 `json:"mined_rows"`
	ChainLinks       int64 `json:"chain_links"`

	CheckedAt time.Time `json:"checked_at"`
}

// Status probes the store. Never returns an error: failures are reported in
// the status itself so the health endpoint can degrade instead of failing.
func (c *Client) Status(ctx context.Context) *StoreStatus {
	status := &StoreStatus{CheckedAt: time.Now()}

	stats := c.db.Stats()
	status.PoolOpen = stats.OpenConnections
	status.PoolInUse = stats.InUse

	err := c.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM unprocessed_identities),
			(SELECT count(*) FROM deletions),
			(SELECT count(*) FROM identities),
			(SELECT count(*) FROM identities WHERE status = 'mined'),
			(SELECT count(*) FROM batches)`).Scan(
		&status.QueuedInsertions, &status.QueuedDeletions,
		&status.LogRows, &status.MinedRows, &status.ChainLinks)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.Healthy = true
	return status
}

// ============================================================================
// SCHEMA MIGRATIONS
// ============================================================================

// Migrate applies any schema files not yet recorded in the ledger, in
// filename order, each inside its own transaction
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, migrationLedger); err != nil {
		return fmt.Errorf("failed to ensure migration ledger: %w", err)
	}

	applied, err := c.appliedVersions(ctx)
	if err != nil {
		return err
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to list schema files: %w", err)
	}

	total, fresh := 0, 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		total++
		version := strings.TrimSuffix(name, ".sql")
		if applied[version] {
			continue
		}

		schema, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read schema file %s: %w", name, err)
		}
		if err := c.applyVersion(ctx, version, string(schema)); err != nil {
			return fmt.Errorf("migration %s: %w", version, err)
		}
		c.logger.Printf("Applied schema migration %s", version)
		fresh++
	}

	c.logger.Printf("Schema current (%d files, %d applied this start)", total, fresh)
	return nil
}

// appliedVersions reads the migration ledger
func (c *Client) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration ledger: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration ledger: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// applyVersion runs one schema file and records it, atomically
func (c *Client) applyVersion(ctx context.Context, version, schema string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return err
	}
	return tx.Commit()
}
