package profiling

import (
	"errors"
	"fmt"

	"github.com/coral-mesh/reqprof/internal/store"
)

var (
	// ErrConfiguration is matched by *ConfigurationError.
	ErrConfiguration = errors.New("profiling configuration error")

	// ErrStore is matched by every persistence failure.
	ErrStore = store.ErrStore

	// ErrUnexpected wraps any other failure: profiler start or stop,
	// metadata capture, serialization.
	ErrUnexpected = errors.New("unexpected profiling error")
)

// Capabilities reported by ConfigurationError.
const (
	CapabilityPersistence = "persistence driver"
	CapabilityEngine      = "sampling engine"
)

// ConfigurationError reports that a capability required for profiling is
// absent.
type ConfigurationError struct {
	Missing string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("profiling unavailable: no %s available", e.Missing)
}

// Is makes errors.Is(err, ErrConfiguration) match.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}
