// Package errors provides small helpers for cleanup paths whose errors
// should be logged rather than returned.
package errors

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// DeferClose closes an io.Closer and logs a failure instead of dropping it.
// Use this in defer statements on files, response bodies and database handles.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// Recovered converts a recovered panic value into an error.
// It returns nil when nothing was recovered.
func Recovered(v any) error {
	switch p := v.(type) {
	case nil:
		return nil
	case error:
		return fmt.Errorf("panic: %w", p)
	default:
		return fmt.Errorf("panic: %v", p)
	}
}
