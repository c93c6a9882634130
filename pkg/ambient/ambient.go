// Package ambient describes what a host process must expose for a request to
// be profiled.
//
// A host is whatever runs requests: an HTTP server, a CLI invocation, a job
// runner. It supplies a Context per request and a Host for registering the
// end-of-request hook. The profiling agent never reads process globals
// directly; everything it records comes through these interfaces, which keeps
// it deterministic under test.
package ambient

import (
	"context"
)

// Context is the request-scoped view of the host environment.
//
// Implementations must be comparable (typically a pointer) because the agent
// uses the Context as the key that ties a request to its profiling session.
type Context interface {
	// URL returns the request URI, or the command line for non-request
	// invocations.
	URL() string

	// ServerVars returns the full request/server environment.
	ServerVars() map[string]string

	// QueryParams returns the query parameters. Values are a string, or a
	// []string when a key is repeated.
	QueryParams() map[string]any

	// EnvVars returns the process environment.
	EnvVars() map[string]string

	// RequestTime returns the request start as whole seconds and as
	// fractional seconds. The two come from separate clocks and are reported
	// as-is. ok is false until a start time has been recorded.
	RequestTime() (sec int64, fsec float64, ok bool)

	// SetRequestTime records the request start unless one is already set.
	SetRequestTime(sec int64, fsec float64)

	// IgnoreAbort returns a context that is not cancelled when the client
	// goes away, so tail work can complete.
	IgnoreAbort(ctx context.Context) context.Context

	// CloseSession releases any session-affinity resource held for the
	// request so later requests are not blocked on it.
	CloseSession() error

	// FinishResponse pushes the complete response to the caller ahead of any
	// tail work. Hosts without such a primitive return nil.
	FinishResponse() error
}

// Hook is run by the host after a request's response has been sent.
type Hook func(ctx context.Context, c Context)

// Host registers end-of-request hooks.
type Host interface {
	// RegisterEndOfRequest adds a hook that the host calls once for every
	// request it completes from now on.
	RegisterEndOfRequest(hook Hook)
}
