package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/tempo/db"
)

// CreateTestDB creates an in-memory SQLite test database with the schema applied.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenMemory(nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateTestFileDB creates a migrated SQLite database file under t.TempDir().
// Use it when several connections must see the same data, e.g. two
// scheduler instances sharing a store.
func CreateTestFileDB(t *testing.T) (*sql.DB, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tempo_test.db")
	conn, err := db.OpenWithMigrations(path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database file: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn, path
}
