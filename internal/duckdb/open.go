package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	duckdbDriver "github.com/marcboeker/go-duckdb"
)

// InMemory is the DSN of a private in-memory database.
const InMemory = ""

// OpenDB opens a DuckDB database. An empty DSN (or ":memory:") opens an
// in-memory database. bootQueries run on every new pooled connection.
func OpenDB(dsn string, bootQueries ...string) (*sql.DB, error) {
	if dsn == ":memory:" {
		dsn = InMemory
	}

	connector, err := duckdbDriver.NewConnector(dsn, func(execer driver.ExecerContext) error {
		ctx := context.Background()
		for _, query := range bootQueries {
			if _, err := execer.ExecContext(ctx, query, nil); err != nil {
				return fmt.Errorf("boot query %q: %w", query, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb %q: %w", dsn, err)
	}

	return sql.OpenDB(connector), nil
}
