package lock

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresLock is a DistributedLock built on session-level advisory locks. Each lease pins a
// dedicated connection for as long as it is held.
type PostgresLock struct {
	db *sqlx.DB
}

// NewPostgresLock creates a PostgresLock over db
func NewPostgresLock(db *sqlx.DB) *PostgresLock {
	return &PostgresLock{db: db}
}

// Acquire implements DistributedLock.
func (p *PostgresLock) Acquire(ctx context.Context, name string, timeout time.Duration) (Lease, error) {
	conn, err := p.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock %s: failed to get connection: %w", name, err)
	}

	err = poll(ctx, timeout, func(ctx context.Context) (bool, error) {
		var ok bool
		if err := conn.GetContext(ctx, &ok, `SELECT pg_try_advisory_lock(hashtext($1))`, name); err != nil {
			return false, fmt.Errorf("advisory lock %s: %w", name, err)
		}
		return ok, nil
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &postgresLease{conn: conn, name: name}, nil
}

type postgresLease struct {
	conn *sqlx.Conn
	name string
}

func (l *postgresLease) Release(ctx context.Context) error {
	defer l.conn.Close()

	var unlocked bool
	if err := l.conn.GetContext(ctx, &unlocked, `SELECT pg_advisory_unlock(hashtext($1))`, l.name); err != nil {
		// drop the session so the server frees the lock instead of pooling a locked connection
		_ = l.conn.Raw(func(any) error { return driver.ErrBadConn })
		return fmt.Errorf("advisory unlock %s: %w", l.name, err)
	}
	if !unlocked {
		return ErrNotHeld
	}
	return nil
}
