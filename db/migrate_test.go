package db

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	t.Run("successfully opens database and runs migrations", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		for _, table := range append([]string{"schema_migrations"}, Tables...) {
			var exists int
			err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&exists)
			require.NoError(t, err)
			assert.Equal(t, 1, exists, "%s should exist after migrations", table)
		}
	})

	t.Run("wraps migration errors with context", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		// A pre-existing table with the same name makes migration 001 fail
		_, err = db.Exec("CREATE TABLE pulse_jobs (bad_schema TEXT)")
		require.NoError(t, err)
		db.Close()

		_, err = OpenWithMigrations(dbPath, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "001_create_pulse_jobs_and_triggers.sql")
		assert.Contains(t, fmt.Sprintf("%+v", err), "migrate.go", "error should carry a stack trace")
	})
}

func TestMigrate(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil))

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		names, err := migrationNames()
		require.NoError(t, err)
		assert.Equal(t, len(names), count)
	})

	t.Run("status reports applied migrations", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		before, err := Status(db)
		require.NoError(t, err)
		require.NotEmpty(t, before)
		for _, s := range before {
			assert.False(t, s.Applied, s.File)
		}

		require.NoError(t, Migrate(db, nil))

		after, err := Status(db)
		require.NoError(t, err)
		for _, s := range after {
			assert.True(t, s.Applied, s.File)
		}
		assert.Equal(t, "000", after[0].Version)
	})
}
