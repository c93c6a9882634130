package duckdb

import (
	"fmt"
	"strings"
	"time"
)

// maxLoggedArg bounds how much of a single argument InterpolateQuery prints.
const maxLoggedArg = 64

// InterpolateQuery substitutes args into query for debug logging. Long
// string arguments (JSON payloads) are truncated, so the result is for
// reading, not for executing.
func InterpolateQuery(query string, args []any) string {
	for _, arg := range args {
		query = strings.Replace(query, "?", formatArg(arg), 1)
	}
	return strings.Join(strings.Fields(query), " ")
}

func formatArg(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case string:
		return quote(truncate(v))
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(v))
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case float32, float64:
		return fmt.Sprintf("%v", v)
	case time.Time:
		return quote(v.Format(time.RFC3339Nano))
	default:
		return quote(truncate(fmt.Sprintf("%v", v)))
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func truncate(s string) string {
	if len(s) <= maxLoggedArg {
		return s
	}
	return s[:maxLoggedArg] + "..."
}
