package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/coral-mesh/reqprof/internal/retry"
)

// Execer is satisfied by both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Table maps struct type T onto a DuckDB table through `duckdb` struct tags.
type Table[T any] struct {
	db        Execer
	tableName string
	columns   []string
	pkColumn  string
	fieldMap  map[string]int
}

// NewTable creates a Table for T. T must be a struct; the first column tagged
// "pk" is the lookup key for Get.
func NewTable[T any](db Execer, tableName string) *Table[T] {
	var zero T
	t := reflect.TypeOf(zero)
	if t.Kind() != reflect.Struct {
		panic("Table generic type T must be a struct")
	}

	table := &Table[T]{
		db:        db,
		tableName: tableName,
		fieldMap:  make(map[string]int),
	}

	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("duckdb")
		if tag == "" || tag == "-" {
			continue
		}

		parts := strings.Split(tag, ",")
		col := strings.TrimSpace(parts[0])
		table.columns = append(table.columns, col)
		table.fieldMap[col] = i

		for _, opt := range parts[1:] {
			if strings.TrimSpace(opt) == "pk" && table.pkColumn == "" {
				table.pkColumn = col
			}
		}
	}

	return table
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.tableName }

// Columns returns the mapped column names in struct order.
func (t *Table[T]) Columns() []string {
	return append([]string(nil), t.columns...)
}

// Insert writes item as a single row. Transaction conflicts with concurrent
// writers are retried.
func (t *Table[T]) Insert(ctx context.Context, item *T) error {
	query, values := t.insertQuery(item)
	return retry.Do(ctx, retry.StoreConfig(), func() error {
		_, err := t.db.ExecContext(ctx, query, values...)
		return err
	}, IsTransactionConflict)
}

func (t *Table[T]) insertQuery(item *T) (string, []any) {
	val := reflect.ValueOf(item).Elem()
	placeholders := make([]string, len(t.columns))
	values := make([]any, len(t.columns))
	for i, col := range t.columns {
		placeholders[i] = "?"
		values[i] = val.Field(t.fieldMap[col]).Interface()
	}

	// #nosec G201 - table and column names come from validated config and struct tags.
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.tableName,
		strings.Join(t.columns, ", "),
		strings.Join(placeholders, ", "),
	)
	return query, values
}

// Get retrieves the row whose primary key equals id. A missing row yields
// an error wrapping sql.ErrNoRows.
func (t *Table[T]) Get(ctx context.Context, id any) (*T, error) {
	if t.pkColumn == "" {
		return nil, errors.New("no primary key defined for table")
	}

	query, args, err := NewQueryBuilder(t.tableName).
		Select(t.columns...).
		Where(t.pkColumn+" = ?", id).
		Build()
	if err != nil {
		return nil, err
	}

	item, err := t.scan(t.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("get %s %v: %w", t.tableName, id, err)
	}
	return item, nil
}

// Query runs a query built with b and scans every row. b should select
// Columns() in order.
func (t *Table[T]) Query(ctx context.Context, b *Builder) ([]*T, error) {
	query, args, err := b.Build()
	if err != nil {
		return nil, err
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.tableName, err)
	}
	defer func() { _ = rows.Close() }()

	var items []*T
	for rows.Next() {
		item, err := t.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *Table[T]) scan(row scanner) (*T, error) {
	var item T
	val := reflect.ValueOf(&item).Elem()
	dest := make([]any, len(t.columns))
	for i, col := range t.columns {
		dest[i] = val.Field(t.fieldMap[col]).Addr().Interface()
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &item, nil
}

// IsTransactionConflict reports whether err is a DuckDB write conflict that
// is worth retrying.
func IsTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflict on update") ||
		strings.Contains(msg, "conflict") ||
		strings.Contains(msg, "TransactionContext Error") ||
		strings.Contains(msg, "serialization")
}
