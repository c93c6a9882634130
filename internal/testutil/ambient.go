package testutil

import (
	"context"
	"maps"
	"sync"

	"github.com/coral-mesh/reqprof/pkg/ambient"
)

// Context is a scripted ambient.Context. Every hook-facing call is appended
// to a shared call log so tests can assert ordering against other fakes.
type Context struct {
	mu sync.Mutex

	url    string
	server map[string]string
	query  map[string]any
	env    map[string]string

	sec     int64
	fsec    float64
	timeSet bool

	log *CallLog

	// Errors and panics injected into the hook steps.
	CloseSessionErr   error
	FinishResponseErr error
	PanicOn           string
}

var _ ambient.Context = (*Context)(nil)

// NewContext returns a fake context for url. log may be shared with other
// fakes; nil creates a private one.
func NewContext(url string, log *CallLog) *Context {
	if log == nil {
		log = &CallLog{}
	}
	return &Context{
		url:    url,
		server: map[string]string{},
		query:  map[string]any{},
		env:    map[string]string{},
		log:    log,
	}
}

// WithServer sets the server variables.
func (c *Context) WithServer(vars map[string]string) *Context {
	c.server = vars
	return c
}

// WithQuery sets the query parameters.
func (c *Context) WithQuery(params map[string]any) *Context {
	c.query = params
	return c
}

// WithEnv sets the process environment.
func (c *Context) WithEnv(vars map[string]string) *Context {
	c.env = vars
	return c
}

// WithRequestTime presets the request start.
func (c *Context) WithRequestTime(sec int64, fsec float64) *Context {
	c.sec, c.fsec, c.timeSet = sec, fsec, true
	return c
}

// Log returns the call log.
func (c *Context) Log() *CallLog { return c.log }

func (c *Context) URL() string                   { return c.url }
func (c *Context) ServerVars() map[string]string { return maps.Clone(c.server) }
func (c *Context) QueryParams() map[string]any   { return maps.Clone(c.query) }
func (c *Context) EnvVars() map[string]string    { return maps.Clone(c.env) }

func (c *Context) RequestTime() (int64, float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sec, c.fsec, c.timeSet
}

func (c *Context) SetRequestTime(sec int64, fsec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Add("set_request_time")
	if c.timeSet {
		return
	}
	c.sec, c.fsec, c.timeSet = sec, fsec, true
}

func (c *Context) IgnoreAbort(ctx context.Context) context.Context {
	c.step("ignore_abort")
	return context.WithoutCancel(ctx)
}

func (c *Context) CloseSession() error {
	c.step("close_session")
	return c.CloseSessionErr
}

func (c *Context) FinishResponse() error {
	c.step("finish_response")
	return c.FinishResponseErr
}

func (c *Context) step(name string) {
	c.log.Add(name)
	if c.PanicOn == name {
		panic(name + " exploded")
	}
}

// Host is a fake ambient.Host that counts registrations.
type Host struct {
	mu    sync.Mutex
	hooks []ambient.Hook
}

var _ ambient.Host = (*Host)(nil)

// RegisterEndOfRequest records the hook.
func (h *Host) RegisterEndOfRequest(hook ambient.Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

// Registrations returns how many hooks were registered.
func (h *Host) Registrations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// EndRequest runs every registered hook for c, as a host does once the
// response has been sent.
func (h *Host) EndRequest(ctx context.Context, c ambient.Context) {
	h.mu.Lock()
	hooks := append([]ambient.Hook(nil), h.hooks...)
	h.mu.Unlock()

	for _, hook := range hooks {
		hook(ctx, c)
	}
}

// CallLog is an ordered, concurrency-safe list of call names.
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

// Add appends a call.
func (l *CallLog) Add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

// Calls returns a copy of the log.
func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// Count returns how many times name was logged.
func (l *CallLog) Count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == name {
			n++
		}
	}
	return n
}
