// Package dbtest opens throwaway sqlite databases for tests.
package dbtest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/kkkkikiki/giftcard/internal/config"
	"github.com/kkkkikiki/giftcard/internal/database"
)

// Open opens a migrated sqlite database in a temp directory that is removed with the test
func Open(t testing.TB) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "giftcard.db")
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)

	db, err := database.Open(context.Background(), "sqlite3", dsn, config.DatabaseConfig{Migrate: true}, nil)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
