// Package store persists profile records.
//
// A Sink writes one Record per call and returns the identifier it was stored
// under. Every failure is an *Error, which matches ErrStore with errors.Is.
// Four sinks are provided: DuckDB (the default), a JSON-lines file, an HTTP
// upload to a collector, and a Stack that tries several sinks in order.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/engine"
	"github.com/coral-mesh/reqprof/internal/metadata"
)

// Driver names used in errors.
const (
	driverDuckDB = config.DriverDuckDB
	driverFile   = config.DriverFile
	driverUpload = config.DriverUpload
	driverStack  = "stack"
)

// ErrStore is matched by every persistence failure.
var ErrStore = errors.New("store error")

// RecordID identifies a stored record.
type RecordID string

// Record is the persisted unit: a profile (possibly nil) and the metadata of
// the request it belongs to. It is not modified once built.
type Record struct {
	Profile engine.Profile
	Meta    metadata.Metadata
}

// Sink writes records to durable storage.
type Sink interface {
	// Persist writes rec as a single unit. Either the whole record is stored
	// or an error wrapping ErrStore is returned.
	Persist(ctx context.Context, rec Record) (RecordID, error)
}

// ReadyChecker is implemented by sinks that can report whether they are able
// to accept records.
type ReadyChecker interface {
	Ready() bool
}

// Ready reports whether s can accept records. Sinks that do not implement
// ReadyChecker are assumed ready.
func Ready(s Sink) bool {
	if s == nil {
		return false
	}
	if rc, ok := s.(ReadyChecker); ok {
		return rc.Ready()
	}
	return true
}

// Close closes s if it holds resources.
func Close(s Sink) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Error is a persistence failure.
type Error struct {
	Driver string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s store: %s: %v", e.Driver, e.Op, e.Err)
}

// Unwrap exposes both ErrStore and the underlying cause.
func (e *Error) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

func storeError(driver, op string, err error) error {
	return &Error{Driver: driver, Op: op, Err: err}
}

// Document is the JSON form of a stored record, used by the file and upload
// sinks and by the CLI.
type Document struct {
	ID        RecordID          `json:"id"`
	App       string            `json:"app,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Profile   engine.Profile    `json:"profile"`
	Meta      metadata.Metadata `json:"meta"`
}

// withTimeout bounds ctx when timeout is positive.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
