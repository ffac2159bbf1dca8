// Package testing provides testing utilities and helpers shared by the
// package test suites.
package testing

import (
	"fmt"
	"os"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/meridian-am/fxhedge/internal/database"
)

// NewTestDB creates a temporary-file SQLite database with the named schema
// applied. Returns the database and an idempotent cleanup function.
//
// Supported schema names: "refdata", "positions", "market", "fills",
// "audit". Unknown names create an empty database.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	// Temporary files (not :memory:) so each test gets an isolated database
	// that survives multiple connections from the pool.
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	closed := false
	cleanup := func() {
		if closed {
			return
		}
		closed = true
		_ = db.Close()
		_ = os.Remove(tmpPath)
		_ = os.Remove(tmpPath + "-wal")
		_ = os.Remove(tmpPath + "-shm")
	}
	return db, cleanup
}
