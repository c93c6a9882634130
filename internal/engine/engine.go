// Package engine adapts the available sampling engines to one start/stop
// interface.
//
// Three engines ship with the agent: "pprof" (runtime/pprof CPU and
// allocation profiles), "runtime" (runtime/metrics counters) and "process"
// (OS-level process accounting through gopsutil). An Adapter probes them in
// its configured order each time a session starts; the first one available
// is used for that session.
package engine

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	// ErrUnavailable is returned by Engine.Start when the engine cannot be
	// used right now. The adapter moves on to the next engine.
	ErrUnavailable = errors.New("engine unavailable")

	// ErrNoEngine is returned by Adapter.Enable when every engine is unavailable.
	ErrNoEngine = errors.New("no sampling engine available")
)

// Flags selects what an engine collects. Each engine translates them to its
// own switches.
type Flags struct {
	CPU    bool
	Memory bool
}

// Profile is the opaque result of a profiling run. It is JSON-serializable.
type Profile map[string]any

// Engine is one sampling backend.
type Engine interface {
	// Name identifies the engine in configuration and logs.
	Name() string
	// Available reports whether Start can currently succeed.
	Available() bool
	// Start begins collection.
	Start(flags Flags, options map[string]any) (Run, error)
}

// Run is an in-progress collection.
type Run interface {
	// Stop ends collection and returns what was gathered. A partial profile
	// may accompany an error.
	Stop() (Profile, error)
}

// Handle ties a running collection to the engine that produced it.
type Handle struct {
	engine string
	run    Run
}

// Engine returns the name of the engine behind the handle.
func (h *Handle) Engine() string {
	if h == nil {
		return ""
	}
	return h.engine
}

// Adapter selects and drives an engine.
type Adapter struct {
	engines         []Engine
	driverAvailable func() bool
	logger          zerolog.Logger
}

// NewAdapter creates an adapter over engines, probed in order.
// driverAvailable reports whether a persistence driver is ready to take records.
func NewAdapter(engines []Engine, driverAvailable func() bool, logger zerolog.Logger) *Adapter {
	return &Adapter{
		engines:         engines,
		driverAvailable: driverAvailable,
		logger:          logger.With().Str("component", "engine_adapter").Logger(),
	}
}

// IsSupported reports whether a persistence driver and at least one engine
// are available.
func (a *Adapter) IsSupported() bool {
	if a.driverAvailable == nil || !a.driverAvailable() {
		return false
	}
	for _, e := range a.engines {
		if e.Available() {
			return true
		}
	}
	return false
}

// Enable starts the first available engine.
// The caller must not call Enable again before Disable for the same session.
func (a *Adapter) Enable(flags Flags, options map[string]any) (*Handle, error) {
	for _, e := range a.engines {
		if !e.Available() {
			continue
		}

		run, err := e.Start(flags, options)
		if errors.Is(err, ErrUnavailable) {
			a.logger.Debug().Err(err).Str("engine", e.Name()).Msg("Engine became unavailable, trying next")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to start %s engine: %w", e.Name(), err)
		}

		a.logger.Debug().
			Str("engine", e.Name()).
			Bool("cpu", flags.CPU).
			Bool("memory", flags.Memory).
			Msg("Profiling engine enabled")

		return &Handle{engine: e.Name(), run: run}, nil
	}

	return nil, ErrNoEngine
}

// Disable stops the engine behind h and returns its profile.
// A nil handle, or one already disabled, yields a nil profile.
func (a *Adapter) Disable(h *Handle) (Profile, error) {
	if h == nil || h.run == nil {
		return nil, nil
	}

	run := h.run
	h.run = nil

	profile, err := run.Stop()
	if err != nil {
		return profile, fmt.Errorf("failed to stop %s engine: %w", h.engine, err)
	}
	return profile, nil
}
