package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/testutil"
)

func TestNew(t *testing.T) {
	dir := t.TempDir()
	base := config.Default().Store
	base.DSN = ""
	base.FilePath = filepath.Join(dir, "records.jsonl")
	base.UploadURL = "http://collector.invalid/records"

	tests := []struct {
		name    string
		drivers []string
		check   func(t *testing.T, s Sink)
	}{
		{
			name:    "duckdb",
			drivers: []string{config.DriverDuckDB},
			check: func(t *testing.T, s Sink) {
				assert.IsType(t, &DuckDBSink{}, s)
			},
		},
		{
			name:    "file",
			drivers: []string{config.DriverFile},
			check: func(t *testing.T, s Sink) {
				assert.IsType(t, &FileSink{}, s)
			},
		},
		{
			name:    "upload",
			drivers: []string{config.DriverUpload},
			check: func(t *testing.T, s Sink) {
				assert.IsType(t, &UploadSink{}, s)
			},
		},
		{
			name:    "stacked",
			drivers: []string{config.DriverUpload, config.DriverFile},
			check: func(t *testing.T, s Sink) {
				require.IsType(t, &Stack{}, s)
				assert.Len(t, s.(*Stack).sinks, 2)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Drivers = tt.drivers

			s, err := New(context.Background(), cfg, testutil.NewTestLogger(t))
			require.NoError(t, err)
			defer func() { _ = Close(s) }()

			assert.True(t, Ready(s))
			tt.check(t, s)
		})
	}
}

func TestNew_Errors(t *testing.T) {
	cfg := config.Default().Store

	cfg.Drivers = nil
	_, err := New(context.Background(), cfg, testutil.NewTestLogger(t))
	assert.ErrorIs(t, err, ErrStore)

	cfg.Drivers = []string{"mongodb"}
	_, err = New(context.Background(), cfg, testutil.NewTestLogger(t))
	assert.ErrorContains(t, err, `unknown driver "mongodb"`)
}

func TestNew_FallbackThroughStack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	cfg := config.Default().Store
	cfg.Drivers = []string{config.DriverUpload, config.DriverFile}
	cfg.UploadURL = "http://127.0.0.1:1/unreachable"
	cfg.FilePath = path

	s, err := New(context.Background(), cfg, testutil.NewTestLogger(t))
	require.NoError(t, err)

	id, err := s.Persist(context.Background(), testRecord())
	require.NoError(t, err)

	docs, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0].ID)
}
