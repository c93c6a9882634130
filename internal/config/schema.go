// Package config loads the agent configuration.
//
// Configuration is layered: defaults, then an optional YAML file, then
// environment variables. Each layer overrides the previous one. The result
// is treated as immutable for the lifetime of the process.
package config

import (
	"time"

	"github.com/coral-mesh/reqprof/internal/logging"
)

// Config is the complete agent configuration.
type Config struct {
	// Enabled is the master switch. When false no request is ever profiled.
	Enabled bool `yaml:"enabled" env:"REQPROF_ENABLED"`

	// SampleRatio is the percentage (0-100) of requests to profile.
	// Values outside the range are clamped by the sampler.
	SampleRatio int `yaml:"sample_ratio" env:"REQPROF_RATIO"`

	// MaxSessionsPerSecond caps how many sampled requests may start a
	// session per second, with bursts of up to one second's worth. Zero
	// means no cap.
	MaxSessionsPerSecond float64 `yaml:"max_sessions_per_second" env:"REQPROF_MAX_RATE"`

	// Engines is the probe order for sampling engines; the first available wins.
	Engines []string `yaml:"engines" env:"REQPROF_ENGINES"`

	// ProfileCPU and ProfileMemory select what the engine collects.
	ProfileCPU    bool `yaml:"profile_cpu" env:"REQPROF_PROFILE_CPU"`
	ProfileMemory bool `yaml:"profile_memory" env:"REQPROF_PROFILE_MEMORY"`

	// ProfilerOptions are passed through to the selected engine.
	ProfilerOptions map[string]any `yaml:"profiler_options,omitempty"`

	// FinishResponseBeforePersist flushes the response to the caller before
	// the profile is stopped and stored.
	FinishResponseBeforePersist bool `yaml:"finish_response_before_persist" env:"REQPROF_FINISH_RESPONSE"`

	// CollectServerVars and CollectEnvVars control whether the request
	// environment and process environment are captured. When false the
	// corresponding metadata map is stored empty.
	CollectServerVars bool `yaml:"collect_server_vars" env:"REQPROF_COLLECT_SERVER"`
	CollectEnvVars    bool `yaml:"collect_env_vars" env:"REQPROF_COLLECT_ENV"`

	// Timezone is the IANA zone used to derive the request date.
	Timezone string `yaml:"timezone" env:"REQPROF_TIMEZONE"`

	Store   StoreConfig    `yaml:"store"`
	Logging logging.Config `yaml:"logging"`
}

// StoreConfig describes where profile records are written.
type StoreConfig struct {
	// Drivers lists the sinks to use, in order. More than one driver stacks
	// them: the first successful write wins.
	Drivers []string `yaml:"drivers" env:"REQPROF_STORE_DRIVERS"`

	// DSN is the DuckDB database path (empty for in-memory).
	DSN string `yaml:"dsn" env:"REQPROF_STORE_DSN"`

	// Table is the target table for the duckdb driver.
	Table string `yaml:"table" env:"REQPROF_STORE_TABLE"`

	// FilePath is the JSON-lines file for the file driver.
	FilePath string `yaml:"file_path" env:"REQPROF_STORE_FILE"`

	// UploadURL and UploadToken configure the upload driver.
	UploadURL   string `yaml:"upload_url" env:"REQPROF_UPLOAD_URL"`
	UploadToken string `yaml:"upload_token,omitempty" env:"REQPROF_UPLOAD_TOKEN"`

	// Timeout bounds a single persist call.
	Timeout time.Duration `yaml:"timeout" env:"REQPROF_STORE_TIMEOUT"`

	// AppTag identifies the application in stored records.
	AppTag string `yaml:"app_tag" env:"REQPROF_APP_TAG"`
}
