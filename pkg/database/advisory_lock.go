// Copyright 2025 Signal ID
//
// Advisory lock - session-scoped leader lock for the batch former.
//
// pg_try_advisory_lock is tied to the session that acquired it, so the lock
// is pinned to a dedicated connection for its whole lifetime. If the process
// dies, Postgres releases the lock when the connection drops.

package database

import (
	"context"
	"database/sql"
	"fmt"
)

// BatchFormerLockKey identifies the batch-former leader lock
const BatchFormerLockKey = 0x5153_4551 // ASCII "QSEQ"

// AdvisoryLock is a Postgres advisory lock pinned to one connection
type AdvisoryLock struct {
	conn *sql.Conn
	key  int64
}

// AcquireAdvisoryLock takes the lock without blocking.
// Returns ErrLockHeld if another session holds it.
func AcquireAdvisoryLock(ctx context.Context, client *Client, key int64) (*AdvisoryLock, error) {
	conn, err := client.DB().Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to pin connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx,
		"SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, ErrLockHeld
	}

	return &AdvisoryLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the pinned connection to the pool
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	var released bool
	err := l.conn.QueryRowContext(ctx,
		"SELECT pg_advisory_unlock($1)", l.key).Scan(&released)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close lock connection: %w", closeErr)
	}
	return nil
}
