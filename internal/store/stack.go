package store

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Stack tries its sinks in order and returns the first success.
type Stack struct {
	sinks  []Sink
	logger zerolog.Logger
}

// NewStack creates a stack over sinks.
func NewStack(logger zerolog.Logger, sinks ...Sink) *Stack {
	return &Stack{
		sinks:  sinks,
		logger: logger.With().Str("component", "stack_sink").Logger(),
	}
}

// Ready reports whether any sink is ready.
func (s *Stack) Ready() bool {
	for _, sink := range s.sinks {
		if Ready(sink) {
			return true
		}
	}
	return false
}

// Persist writes rec to the first sink that accepts it. When all fail the
// error joins every cause.
func (s *Stack) Persist(ctx context.Context, rec Record) (RecordID, error) {
	var errs []error
	for i, sink := range s.sinks {
		id, err := sink.Persist(ctx, rec)
		if err == nil {
			return id, nil
		}
		s.logger.Warn().Err(err).Int("sink", i).Msg("Sink failed, trying next")
		errs = append(errs, err)

		if ctx.Err() != nil {
			break
		}
	}

	if len(errs) == 0 {
		return "", storeError(driverStack, "persist", errors.New("no sinks configured"))
	}
	return "", storeError(driverStack, "persist", errors.Join(errs...))
}

// Close closes every sink and joins their errors.
func (s *Stack) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := Close(sink); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
