package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxLineSize bounds a single record when reading a JSON-lines file back.
const maxLineSize = 64 << 20

// FileSink appends records to a JSON-lines file, one document per line.
type FileSink struct {
	path   string
	app    string
	logger zerolog.Logger

	mu sync.Mutex

	now   func() time.Time
	newID func() string
}

// NewFile creates a sink writing to path. The file is created on first write.
func NewFile(path, app string, logger zerolog.Logger) *FileSink {
	return &FileSink{
		path:   path,
		app:    app,
		logger: logger.With().Str("component", "file_sink").Str("path", path).Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Ready reports whether the target directory exists.
func (s *FileSink) Ready() bool {
	info, err := os.Stat(filepath.Dir(s.path))
	return err == nil && info.IsDir()
}

// Persist appends rec as one line written with a single call.
func (s *FileSink) Persist(ctx context.Context, rec Record) (RecordID, error) {
	if err := ctx.Err(); err != nil {
		return "", storeError(driverFile, "persist", err)
	}

	doc := Document{
		ID:        RecordID(s.newID()),
		App:       s.app,
		CreatedAt: s.now().UTC(),
		Profile:   rec.Profile,
		Meta:      rec.Meta,
	}
	line, err := json.Marshal(doc)
	if err != nil {
		return "", storeError(driverFile, "encode", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return "", storeError(driverFile, "open", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return "", storeError(driverFile, "write", err)
	}
	if err := f.Close(); err != nil {
		return "", storeError(driverFile, "close", err)
	}

	s.logger.Debug().Str("id", string(doc.ID)).Int("bytes", len(line)).Msg("Appended profile record")
	return doc.ID, nil
}

// ReadFile reads every document from a JSON-lines file written by FileSink.
func ReadFile(path string) ([]Document, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from configuration.
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var docs []Document
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var doc Document
		if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		docs = append(docs, doc)
	}
	return docs, scanner.Err()
}
