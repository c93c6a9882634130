package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PathEnv names the variable holding the config file path.
const PathEnv = "REQPROF_CONFIG"

// Load builds the configuration from defaults, the YAML file at path and the
// environment, in that order, and validates the result.
// An empty path falls back to $REQPROF_CONFIG; no file at all is not an error.
func Load(path string) (*Config, error) {
	return LoadWithLookup(path, os.LookupEnv)
}

// LoadWithLookup is Load with an explicit environment source.
func LoadWithLookup(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	if path == "" {
		path, _ = lookup(PathEnv)
	}

	if path != "" {
		//nolint:gosec // G304: path comes from the operator.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := LoadFromLookup(cfg, lookup); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.ProfilerOptions == nil {
		cfg.ProfilerOptions = map[string]any{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Marshal renders the configuration as YAML with secrets redacted.
func (c *Config) Marshal() ([]byte, error) {
	redacted := *c
	if redacted.Store.UploadToken != "" {
		redacted.Store.UploadToken = "<redacted>"
	}
	return yaml.Marshal(&redacted)
}
