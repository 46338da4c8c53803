package testutil

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/mossleigh/steward/internal/db"
)

// OpenTestDB creates a fresh database in a temp dir with the full schema.
// The connection is closed and the files removed when the test ends.
func OpenTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steward-test.db")
	conn, err := db.InitAt(path)
	if err != nil {
		t.Fatalf("init test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
