package profiling

import (
	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/engine"
	"github.com/coral-mesh/reqprof/internal/store"
)

// Config is the agent configuration.
type Config = config.Config

// Sink receives one record per profiled request.
type Sink = store.Sink

// Record is what a Sink persists.
type Record = store.Record

// Engine is a sampling profiler the agent can select.
type Engine = engine.Engine

// DefaultConfig returns the configuration used when nothing is set.
// Profiling is disabled.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads the YAML file at path, or $REQPROF_CONFIG when path is
// empty, then applies REQPROF_* environment variables.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Engines builds the named engines ("pprof", "runtime", "process") for use
// with WithEngines.
func Engines(names ...string) ([]Engine, error) {
	return engine.New(names)
}
