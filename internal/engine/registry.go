package engine

import (
	"fmt"
)

// Engine names.
const (
	NamePprof   = "pprof"
	NameRuntime = "runtime"
	NameProcess = "process"
)

// New builds the named engines in the given order.
func New(names []string) ([]Engine, error) {
	engines := make([]Engine, 0, len(names))
	for _, name := range names {
		switch name {
		case NamePprof:
			engines = append(engines, NewPprof())
		case NameRuntime:
			engines = append(engines, NewRuntime())
		case NameProcess:
			engines = append(engines, NewProcess())
		default:
			return nil, fmt.Errorf("unknown engine %q", name)
		}
	}
	return engines, nil
}

// intOption reads an integer option. YAML and JSON decoders produce
// different numeric types for the same value, so all of them are accepted.
func intOption(options map[string]any, key string, def int) int {
	switch v := options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// boolOption reads a boolean option.
func boolOption(options map[string]any, key string, def bool) bool {
	if v, ok := options[key].(bool); ok {
		return v
	}
	return def
}
