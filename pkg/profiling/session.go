package profiling

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/coral-mesh/reqprof/internal/engine"
	"github.com/coral-mesh/reqprof/internal/metadata"
	"github.com/coral-mesh/reqprof/pkg/ambient"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateDisabled is terminal: profiling is switched off.
	StateDisabled State = iota
	StateIdle
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is the profiling state of one request.
type Session struct {
	agent   *Agent
	ambient ambient.Context

	mu        sync.Mutex
	state     State
	handle    *engine.Handle
	overrides metadata.Overrides
}

// Start begins profiling when the request is sampled.
//
// It returns false without error when profiling is disabled, the session is
// already running, the sampler skips the request or the session rate cap is
// reached. It returns a
// *ConfigurationError when no persistence driver or no engine is available.
func (s *Session) Start() (bool, error) {
	if s == nil {
		return false, nil
	}
	a := s.agent

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisabled || s.state == StateRunning {
		return false, nil
	}

	if !a.adapter.IsSupported() {
		a.metrics.startErrors.Inc()
		return false, a.configurationError()
	}

	if !a.sampler.ShouldSample(a.cfg.SampleRatio) {
		a.metrics.notSampled.Inc()
		return false, nil
	}

	if a.limiter != nil && !a.limiter.Allow() {
		a.metrics.throttled.Inc()
		return false, nil
	}

	if s.ambient != nil {
		if prev, loaded := a.sessions.LoadOrStore(s.ambient, s); loaded && prev != s {
			a.logger.Debug().Str("url", s.ambient.URL()).Msg("Request already has a running profiling session")
			return false, nil
		}

		now := a.now()
		s.ambient.SetRequestTime(now.Unix(), float64(now.UnixNano())/1e9)
	}

	h, err := a.adapter.Enable(a.flags(), a.cfg.ProfilerOptions)
	if err != nil {
		if s.ambient != nil {
			a.sessions.CompareAndDelete(s.ambient, s)
		}
		a.metrics.startErrors.Inc()
		return false, fmt.Errorf("%w: %w", ErrUnexpected, err)
	}

	s.handle = h
	s.state = StateRunning
	a.registerHook()
	a.metrics.sessionsStarted.Inc()

	return true, nil
}

// Stop ends profiling and persists the record. It returns false when the
// session was not running. Once running, it returns true whatever happens
// to the record; failures go to the diagnostic log.
func (s *Session) Stop(ctx context.Context) bool {
	if s == nil {
		return false
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return false
	}
	s.state = StateStopped
	h := s.handle
	s.handle = nil
	overrides := s.overrides
	s.mu.Unlock()

	a := s.agent
	if s.ambient != nil {
		a.sessions.CompareAndDelete(s.ambient, s)
	}

	a.finish(ctx, s.ambient, h, overrides)
	return true
}

// Running reports whether the session is profiling.
func (s *Session) Running() bool {
	return s.State() == StateRunning
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	if s == nil {
		return StateDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetURL overrides the URL recorded for the request.
func (s *Session) SetURL(url string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides.URL = &url
}

// SetAggregationURL sets the grouping key recorded as the simple URL, such
// as a route pattern with its parameters left unexpanded.
func (s *Session) SetAggregationURL(url string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides.AggregationURL = &url
}

// SetServerVars overrides the recorded server variables.
func (s *Session) SetServerVars(vars map[string]string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides.ServerVars = cloneOrEmpty(vars)
}

// SetEnvVars overrides the recorded environment variables.
func (s *Session) SetEnvVars(vars map[string]string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides.EnvVars = cloneOrEmpty(vars)
}

// HasAggregationURL reports whether an aggregation URL was set.
func (s *Session) HasAggregationURL() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrides.AggregationURL != nil
}

func cloneOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return maps.Clone(m)
}
