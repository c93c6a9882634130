// Package duckdb holds the DuckDB plumbing used by the record store: opening
// a database, a small typed table wrapper and a SELECT builder.
//
// # Table
//
// Table maps a struct with `duckdb` tags onto a table:
//
//	type row struct {
//	    ID  string `duckdb:"id,pk"`
//	    URL string `duckdb:"url"`
//	}
//
//	table := duckdb.NewTable[row](db, "request_profiles")
//	err := table.Insert(ctx, &row{...})
//
// # Query Builder
//
//	q, args, err := duckdb.NewQueryBuilder("request_profiles").
//	    Select(table.Columns()...).
//	    Eq("simple_url", "/users/{id}").
//	    Since("request_ts", since).
//	    OrderBy("-request_ts").
//	    Limit(20).
//	    Build()
//
// The builder only generates SQL. Empty string filters are skipped.
package duckdb
