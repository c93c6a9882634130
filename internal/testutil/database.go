package testutil

import (
	"database/sql"
	"testing"

	"github.com/coral-mesh/reqprof/internal/duckdb"
)

// NewTestDB opens a private in-memory DuckDB database.
// The database is closed when the test completes.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := duckdb.OpenDB(duckdb.InMemory)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})

	return db
}
