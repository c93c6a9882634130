package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/duckdb"
	"github.com/coral-mesh/reqprof/internal/engine"
	"github.com/coral-mesh/reqprof/internal/metadata"
)

// ErrNotFound is returned by Get for an unknown record ID.
var ErrNotFound = errors.New("record not found")

// profileRow is the DuckDB row layout. Epoch values from Metadata become
// TIMESTAMP and DATE columns here and nowhere earlier.
type profileRow struct {
	ID             string         `duckdb:"id,pk"`
	App            string         `duckdb:"app"`
	URL            string         `duckdb:"url"`
	SimpleURL      string         `duckdb:"simple_url"`
	URLHash        uint64         `duckdb:"url_hash"`
	RequestTS      time.Time      `duckdb:"request_ts"`
	RequestTSMicro time.Time      `duckdb:"request_ts_micro"`
	RequestDate    time.Time      `duckdb:"request_date"`
	ServerVars     string         `duckdb:"server_vars"`
	GetVars        string         `duckdb:"get_vars"`
	EnvVars        string         `duckdb:"env_vars"`
	Profile        sql.NullString `duckdb:"profile"`
	CreatedAt      time.Time      `duckdb:"created_at"`
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id               VARCHAR PRIMARY KEY,
	app              VARCHAR,
	url              VARCHAR NOT NULL,
	simple_url       VARCHAR NOT NULL,
	url_hash         UBIGINT NOT NULL,
	request_ts       TIMESTAMP NOT NULL,
	request_ts_micro TIMESTAMP NOT NULL,
	request_date     DATE NOT NULL,
	server_vars      VARCHAR NOT NULL,
	get_vars         VARCHAR NOT NULL,
	env_vars         VARCHAR NOT NULL,
	profile          VARCHAR,
	created_at       TIMESTAMP NOT NULL
)`

// DuckDBSink stores records in a DuckDB table.
//
// The *sql.DB is pooled and shared by concurrent Persist calls; each call is
// one INSERT, retried on transaction conflicts.
type DuckDBSink struct {
	db      *sql.DB
	ownsDB  bool
	table   *duckdb.Table[profileRow]
	app     string
	timeout time.Duration
	logger  zerolog.Logger

	now   func() time.Time
	newID func() string
}

// OpenDuckDB opens the database at dsn and prepares table.
func OpenDuckDB(ctx context.Context, dsn, table, app string, timeout time.Duration, logger zerolog.Logger) (*DuckDBSink, error) {
	db, err := duckdb.OpenDB(dsn)
	if err != nil {
		return nil, storeError(driverDuckDB, "open", err)
	}

	s, err := NewDuckDB(ctx, db, table, app, timeout, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewDuckDB prepares table in an already open database. The caller keeps
// ownership of db.
func NewDuckDB(ctx context.Context, db *sql.DB, table, app string, timeout time.Duration, logger zerolog.Logger) (*DuckDBSink, error) {
	if !config.ValidIdentifier(table) {
		return nil, storeError(driverDuckDB, "open", fmt.Errorf("invalid table name %q", table))
	}

	// #nosec G201 - table name validated above.
	if _, err := db.ExecContext(ctx, fmt.Sprintf(createTableSQL, table)); err != nil {
		return nil, storeError(driverDuckDB, "create table", err)
	}

	return &DuckDBSink{
		db:      db,
		table:   duckdb.NewTable[profileRow](db, table),
		app:     app,
		timeout: timeout,
		logger:  logger.With().Str("component", "duckdb_sink").Str("table", table).Logger(),
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

// Ready reports whether the database is open.
func (s *DuckDBSink) Ready() bool {
	return s != nil && s.db != nil
}

// Persist inserts rec as one row.
func (s *DuckDBSink) Persist(ctx context.Context, rec Record) (RecordID, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	row, err := s.toRow(rec)
	if err != nil {
		return "", storeError(driverDuckDB, "encode", err)
	}

	start := time.Now()
	if err := s.table.Insert(ctx, row); err != nil {
		return "", storeError(driverDuckDB, "insert", err)
	}

	s.logger.Debug().
		Str("id", row.ID).
		Str("simple_url", row.SimpleURL).
		Dur("duration", time.Since(start)).
		Msg("Persisted profile record")

	return RecordID(row.ID), nil
}

func (s *DuckDBSink) toRow(rec Record) (*profileRow, error) {
	m := rec.Meta

	server, err := json.Marshal(m.Server)
	if err != nil {
		return nil, fmt.Errorf("server vars: %w", err)
	}
	get, err := json.Marshal(m.Get)
	if err != nil {
		return nil, fmt.Errorf("query params: %w", err)
	}
	env, err := json.Marshal(m.Env)
	if err != nil {
		return nil, fmt.Errorf("env vars: %w", err)
	}

	var profile sql.NullString
	if rec.Profile != nil {
		data, err := json.Marshal(rec.Profile)
		if err != nil {
			return nil, fmt.Errorf("profile: %w", err)
		}
		profile = sql.NullString{String: string(data), Valid: true}
	}

	date, err := time.Parse(metadata.DateLayout, m.RequestDate)
	if err != nil {
		return nil, fmt.Errorf("request date: %w", err)
	}

	return &profileRow{
		ID:             s.newID(),
		App:            s.app,
		URL:            m.URL,
		SimpleURL:      m.SimpleURL,
		URLHash:        xxh3.HashString(m.SimpleURL),
		RequestTS:      time.UnixMilli(m.RequestTimestampMillis).UTC(),
		RequestTSMicro: microsMillisToTime(m.RequestTimestampMicrosMillis),
		RequestDate:    date,
		ServerVars:     string(server),
		GetVars:        string(get),
		EnvVars:        string(env),
		Profile:        profile,
		CreatedAt:      s.now().UTC(),
	}, nil
}

func microsMillisToTime(ms float64) time.Time {
	return time.UnixMicro(int64(math.Round(ms * 1000))).UTC()
}

// ListOptions filters List.
type ListOptions struct {
	SimpleURL string
	Since     time.Time
	Limit     int
}

// List returns stored records, newest request first.
func (s *DuckDBSink) List(ctx context.Context, opts ListOptions) ([]Document, error) {
	b := duckdb.NewQueryBuilder(s.table.Name()).
		Select(s.table.Columns()...).
		Eq("simple_url", opts.SimpleURL).
		Since("request_ts", opts.Since).
		OrderBy("-request_ts", "-created_at").
		Limit(opts.Limit)

	if e := s.logger.Debug(); e.Enabled() {
		q, args, _ := b.Build()
		e.Str("query", duckdb.InterpolateQuery(q, args)).Msg("Listing profile records")
	}

	rows, err := s.table.Query(ctx, b)
	if err != nil {
		return nil, storeError(driverDuckDB, "list", err)
	}

	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.document()
		if err != nil {
			return nil, storeError(driverDuckDB, "decode", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Get returns the record stored under id.
func (s *DuckDBSink) Get(ctx context.Context, id RecordID) (*Document, error) {
	row, err := s.table.Get(ctx, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, storeError(driverDuckDB, "get", err)
	}

	doc, err := row.document()
	if err != nil {
		return nil, storeError(driverDuckDB, "decode", err)
	}
	return &doc, nil
}

// Close closes the database if the sink opened it.
func (s *DuckDBSink) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (r *profileRow) document() (Document, error) {
	doc := Document{
		ID:        RecordID(r.ID),
		App:       r.App,
		CreatedAt: r.CreatedAt,
		Meta: metadata.Metadata{
			URL:                          r.URL,
			SimpleURL:                    r.SimpleURL,
			RequestTimestampMillis:       r.RequestTS.UnixMilli(),
			RequestTimestampMicrosMillis: float64(r.RequestTSMicro.UnixMicro()) / 1000,
			RequestDate:                  r.RequestDate.UTC().Format(metadata.DateLayout),
		},
	}

	if err := json.Unmarshal([]byte(r.ServerVars), &doc.Meta.Server); err != nil {
		return doc, fmt.Errorf("server vars: %w", err)
	}
	if err := json.Unmarshal([]byte(r.GetVars), &doc.Meta.Get); err != nil {
		return doc, fmt.Errorf("query params: %w", err)
	}
	if err := json.Unmarshal([]byte(r.EnvVars), &doc.Meta.Env); err != nil {
		return doc, fmt.Errorf("env vars: %w", err)
	}
	if r.Profile.Valid {
		var p engine.Profile
		if err := json.Unmarshal([]byte(r.Profile.String), &p); err != nil {
			return doc, fmt.Errorf("profile: %w", err)
		}
		doc.Profile = p
	}

	return doc, nil
}
