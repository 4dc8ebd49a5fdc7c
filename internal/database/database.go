package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kkkkikiki/giftcard/internal/config"
)

// DB holds the database connection and the driver it was opened with
type DB struct {
	SQL *sqlx.DB
}

// NewDB creates the database connection using config
func NewDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*DB, error) {
	driver := "postgres"
	if cfg.Database.IsSQLite() {
		driver = "sqlite3"
	}
	return Open(ctx, driver, cfg.Database.GetDatabaseURL(), cfg.Database, logger)
}

// Open connects with an explicit driver and DSN
func Open(ctx context.Context, driver, dsn string, cfg config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	conn, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	if driver == "sqlite3" {
		// sqlite allows a single writer; serialize through one connection
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(cfg.MaxConns)
		conn.SetMaxIdleConns(cfg.MinConns)
		conn.SetConnMaxLifetime(time.Hour)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	db := &DB{SQL: conn}
	if cfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if logger != nil {
		logger.Info("database connected", slog.String("driver", driver))
	}
	return db, nil
}

// IsPostgres reports whether the connection uses the postgres driver
func (db *DB) IsPostgres() bool {
	return db.SQL.DriverName() == "postgres"
}

// Close closes all database connections
func (db *DB) Close() error {
	if err := db.SQL.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
