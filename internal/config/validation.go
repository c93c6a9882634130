package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to splice into SQL as a table name.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// Validate checks the configuration for values the agent cannot act on.
// SampleRatio is deliberately not range-checked; the sampler clamps it.
func (c *Config) Validate() error {
	var errs []error

	for _, name := range c.Engines {
		switch name {
		case EnginePprof, EngineRuntime, EngineProcess:
		default:
			errs = append(errs, fmt.Errorf("unknown engine %q", name))
		}
	}

	if c.MaxSessionsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("negative max_sessions_per_second %g", c.MaxSessionsPerSecond))
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
		}
	}

	if err := c.Store.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks the store section.
func (s *StoreConfig) Validate() error {
	if len(s.Drivers) == 0 {
		return errors.New("store: at least one driver is required")
	}

	for _, driver := range s.Drivers {
		switch driver {
		case DriverDuckDB:
			if !ValidIdentifier(s.Table) {
				return fmt.Errorf("store: invalid table name %q", s.Table)
			}
		case DriverFile:
			if s.FilePath == "" {
				return errors.New("store: file driver requires file_path")
			}
		case DriverUpload:
			if s.UploadURL == "" {
				return errors.New("store: upload driver requires upload_url")
			}
		default:
			return fmt.Errorf("store: unknown driver %q", driver)
		}
	}

	if s.Timeout < 0 {
		return fmt.Errorf("store: negative timeout %s", s.Timeout)
	}

	return nil
}

// Location returns the configured time zone, UTC when unset.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
