package config

import (
	"time"

	"github.com/coral-mesh/reqprof/internal/logging"
)

// Driver names accepted in StoreConfig.Drivers.
const (
	DriverDuckDB = "duckdb"
	DriverFile   = "file"
	DriverUpload = "upload"
)

// Engine names accepted in Config.Engines.
const (
	EnginePprof   = "pprof"
	EngineRuntime = "runtime"
	EngineProcess = "process"
)

const (
	// DefaultTable is the DuckDB table records are inserted into.
	DefaultTable = "request_profiles"

	// DefaultDSN is the DuckDB database file.
	DefaultDSN = "reqprof.duckdb"

	// DefaultFilePath is the JSON-lines output of the file driver.
	DefaultFilePath = "reqprof.jsonl"

	// DefaultStoreTimeout bounds a single persist call.
	DefaultStoreTimeout = 10 * time.Second

	// DefaultSampleRatio profiles one request in a hundred.
	DefaultSampleRatio = 1
)

// Default returns the configuration used when nothing is set.
// Profiling is off until explicitly enabled.
func Default() *Config {
	return &Config{
		Enabled:                     false,
		SampleRatio:                 DefaultSampleRatio,
		Engines:                     []string{EnginePprof, EngineRuntime, EngineProcess},
		ProfileCPU:                  true,
		ProfileMemory:               true,
		ProfilerOptions:             map[string]any{},
		FinishResponseBeforePersist: true,
		CollectServerVars:           true,
		CollectEnvVars:              false,
		Timezone:                    "UTC",
		Store: StoreConfig{
			Drivers:  []string{DriverDuckDB},
			DSN:      DefaultDSN,
			Table:    DefaultTable,
			FilePath: DefaultFilePath,
			Timeout:  DefaultStoreTimeout,
			AppTag:   "reqprof",
		},
		Logging: logging.DefaultConfig(),
	}
}
