package httphost

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	rperrors "github.com/coral-mesh/reqprof/internal/errors"
	"github.com/coral-mesh/reqprof/pkg/ambient"
	"github.com/coral-mesh/reqprof/pkg/profiling"
)

// SessionCloser releases a session-affinity resource held for r, such as a
// per-user lock, before tail work begins.
type SessionCloser func(r *http.Request) error

// Host adapts net/http to ambient.Host.
type Host struct {
	mu    sync.RWMutex
	hooks []ambient.Hook

	logger        zerolog.Logger
	sessionCloser SessionCloser
	now           func() time.Time
	environ       func() []string

	// synchronous runs hooks inline, before the handler returns. Test only:
	// it puts persist latency on the caller.
	synchronous bool

	tail sync.WaitGroup
}

var _ ambient.Host = (*Host)(nil)

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger for hook failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// WithSessionCloser sets the session-affinity release function.
func WithSessionCloser(fn SessionCloser) Option {
	return func(h *Host) { h.sessionCloser = fn }
}

// WithClock sets the clock used to stamp request arrival.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

// New creates a Host.
func New(opts ...Option) *Host {
	h := &Host{
		logger:  zerolog.Nop(),
		now:     time.Now,
		environ: os.Environ,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With().Str("component", "http_host").Logger()
	return h
}

// RegisterEndOfRequest adds hook to every request completed from now on.
func (h *Host) RegisterEndOfRequest(hook ambient.Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

// Wrap returns next instrumented by agent.
func (h *Host) Wrap(agent *profiling.Agent, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := h.now()
		rw := newResponseWriter(w)
		rc := newRequestContext(h, r, rw)
		rc.SetRequestTime(now.Unix(), float64(now.UnixMicro())/1e6)

		session := h.begin(agent, rc)
		r = r.WithContext(profiling.NewContext(r.Context(), session))
		rc.req = r

		completed := false
		defer func() { h.endRequest(rc, session, completed) }()

		next.ServeHTTP(rw, r)
		completed = true

		if session.Running() && r.Pattern != "" && !session.HasAggregationURL() {
			session.SetAggregationURL(r.Pattern)
		}
	})
}

// begin starts a session. A failing agent leaves the request unprofiled.
func (h *Host) begin(agent *profiling.Agent, rc *requestContext) (s *profiling.Session) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Err(rperrors.Recovered(r)).Msg("Profiling agent failed to start")
			s = nil
		}
	}()
	return agent.Begin(rc)
}

// endRequest hands a profiled request to the hooks. Hooks run once the
// handler has returned, on their own goroutine, and never touch the response:
// net/http completes it exactly as it would for an unprofiled request. When
// the handler panicked, completed is false and the server aborts the
// connection; the profile is still persisted.
func (h *Host) endRequest(rc *requestContext, session *profiling.Session, completed bool) {
	if !session.Running() {
		return
	}

	h.mu.RLock()
	hooks := append([]ambient.Hook(nil), h.hooks...)
	h.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	if h.synchronous {
		if !completed {
			rc.detach()
		}
		h.runHooks(hooks, rc)
		return
	}

	// Counted before the handler returns so a client that has seen the
	// response also sees the pending tail work in Wait.
	h.tail.Add(1)
	rc.detach()

	go func() {
		defer h.tail.Done()
		h.runHooks(hooks, rc)
	}()
}

func (h *Host) runHooks(hooks []ambient.Hook, rc *requestContext) {
	for _, hook := range hooks {
		func() {
			// A panic here may be on a detached goroutine and would take
			// down the process.
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error().Err(rperrors.Recovered(r)).Str("url", rc.URL()).Msg("End-of-request hook panicked")
				}
			}()
			hook(rc.req.Context(), rc)
		}()
	}
}

// Wait blocks until all tail work has finished.
func (h *Host) Wait() {
	h.tail.Wait()
}

// Shutdown waits for tail work or for ctx to be done.
func (h *Host) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.tail.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
