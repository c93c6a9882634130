package profiling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/engine"
	rperrors "github.com/coral-mesh/reqprof/internal/errors"
	"github.com/coral-mesh/reqprof/internal/metadata"
	"github.com/coral-mesh/reqprof/internal/sampler"
	"github.com/coral-mesh/reqprof/internal/store"
	"github.com/coral-mesh/reqprof/pkg/ambient"
)

// Sampler decides whether a request is profiled.
type Sampler interface {
	ShouldSample(ratio int) bool
}

// Agent is the process-wide profiling controller. It is safe for concurrent
// use by any number of requests.
type Agent struct {
	cfg      config.Config
	host     ambient.Host
	adapter  *engine.Adapter
	sampler  Sampler
	limiter  *rate.Limiter
	sink     store.Sink
	ownsSink bool
	location *time.Location
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *metrics

	// hookOnce guards the one-time hook registration. Concurrent first
	// requests block until the hook is in place.
	hookOnce     sync.Once
	configWarned atomic.Bool

	// Running sessions by ambient context.
	sessions sync.Map
}

type options struct {
	logger     zerolog.Logger
	sink       store.Sink
	engines    []engine.Engine
	sampler    Sampler
	now        func() time.Time
	registerer prometheus.Registerer
}

// Option configures an Agent.
type Option func(*options)

// WithLogger sets the diagnostic logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSink replaces the sink built from the store configuration. The caller
// keeps ownership of s.
func WithSink(s store.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithEngines replaces the engines named in the configuration.
func WithEngines(engines ...engine.Engine) Option {
	return func(o *options) { o.engines = engines }
}

// WithSampler replaces the random sampler.
func WithSampler(s Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithClock sets the clock used to stamp requests that carry no start time.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRegisterer registers the agent metrics on reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New creates an agent for host.
//
// When profiling is disabled no sink is opened and no engine is built. A sink
// that fails to open is logged and left absent; sessions then report a
// *ConfigurationError from Start. New fails only when the configured engines
// cannot be built or the agent's metrics cannot be registered.
func New(ctx context.Context, cfg *config.Config, host ambient.Host, opts ...Option) (*Agent, error) {
	o := options{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}
	if o.sampler == nil {
		o.sampler = sampler.New()
	}

	m, err := newMetrics(o.registerer)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:      *cfg,
		host:     host,
		sampler:  o.sampler,
		sink:     o.sink,
		location: cfg.Location(),
		now:      o.now,
		logger:   o.logger.With().Str("component", "profiling_agent").Logger(),
		metrics:  m,
	}

	if cfg.MaxSessionsPerSecond > 0 {
		burst := max(1, int(math.Ceil(cfg.MaxSessionsPerSecond)))
		a.limiter = rate.NewLimiter(rate.Limit(cfg.MaxSessionsPerSecond), burst)
	}

	engines := o.engines
	if cfg.Enabled && engines == nil {
		engines, err = engine.New(cfg.Engines)
		if err != nil {
			return nil, fmt.Errorf("failed to build engines: %w", err)
		}
	}

	if cfg.Enabled && a.sink == nil {
		sink, err := store.New(ctx, cfg.Store, o.logger)
		if err != nil {
			a.logger.Error().Err(err).Strs("drivers", cfg.Store.Drivers).Msg("Failed to open profile store")
		} else {
			a.sink = sink
			a.ownsSink = true
		}
	}

	a.adapter = engine.NewAdapter(engines, a.sinkReady, o.logger)

	a.logger.Debug().
		Bool("enabled", cfg.Enabled).
		Int("sample_ratio", cfg.SampleRatio).
		Strs("engines", cfg.Engines).
		Msg("Profiling agent created")

	return a, nil
}

func (a *Agent) sinkReady() bool {
	return store.Ready(a.sink)
}

// Enabled reports whether profiling is switched on.
func (a *Agent) Enabled() bool {
	return a.cfg.Enabled
}

// NewSession creates an idle session for the request behind c, or a
// disabled one when profiling is off.
func (a *Agent) NewSession(c ambient.Context) *Session {
	s := &Session{agent: a, ambient: c, state: StateIdle}
	if !a.cfg.Enabled {
		s.state = StateDisabled
	}
	return s
}

// Begin creates a session for c and starts it. Start errors are logged, not
// returned; the request continues unprofiled.
func (a *Agent) Begin(c ambient.Context) *Session {
	s := a.NewSession(c)
	if _, err := s.Start(); err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) && a.configWarned.Swap(true) {
			a.logger.Debug().Err(err).Msg("Profiling session not started")
		} else {
			a.logger.Error().Err(err).Str("url", urlOf(c)).Msg("Profiling session not started")
		}
	}
	return s
}

// Session returns the running session for c, or nil.
func (a *Agent) Session(c ambient.Context) *Session {
	if c == nil {
		return nil
	}
	if v, ok := a.sessions.Load(c); ok {
		return v.(*Session)
	}
	return nil
}

// Close stops every session still running, then closes the sink if the
// agent opened it.
func (a *Agent) Close(ctx context.Context) error {
	a.sessions.Range(func(_, v any) bool {
		v.(*Session).Stop(ctx)
		return true
	})

	if a.ownsSink {
		return store.Close(a.sink)
	}
	return nil
}

func (a *Agent) registerHook() {
	if a.host == nil {
		return
	}
	a.hookOnce.Do(func() {
		a.host.RegisterEndOfRequest(a.OnRequestEnd)
		a.logger.Debug().Msg("Registered post-response hook")
	})
}

func (a *Agent) configurationError() error {
	if !a.sinkReady() {
		return &ConfigurationError{Missing: CapabilityPersistence}
	}
	return &ConfigurationError{Missing: CapabilityEngine}
}

func (a *Agent) flags() engine.Flags {
	return engine.Flags{CPU: a.cfg.ProfileCPU, Memory: a.cfg.ProfileMemory}
}

// finish disables the profiler, captures metadata and persists the record.
// Failures are logged and counted; nothing propagates.
func (a *Agent) finish(ctx context.Context, c ambient.Context, h *engine.Handle, o metadata.Overrides) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.hookPanics.Inc()
			a.logger.Error().
				Err(fmt.Errorf("%w: %w", ErrUnexpected, rperrors.Recovered(r))).
				Msg("Recovered panic while finishing profile")
		}
	}()

	profile, err := a.adapter.Disable(h)
	if err != nil {
		a.logger.Warn().
			Err(fmt.Errorf("%w: %w", ErrUnexpected, err)).
			Str("engine", h.Engine()).
			Msg("Profiler stopped with errors")
	}

	meta := metadata.Capture(o, c, metadata.Options{
		CollectServerVars: a.cfg.CollectServerVars,
		CollectEnvVars:    a.cfg.CollectEnvVars,
		Location:          a.location,
		Now:               a.now,
	})

	start := time.Now()
	id, err := a.sink.Persist(ctx, store.Record{Profile: profile, Meta: meta})
	a.metrics.persistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		a.metrics.persistFailures.Inc()
		a.logger.Error().Err(err).Str("url", meta.URL).Msg("Failed to persist profile record")
		return
	}

	a.metrics.persisted.Inc()
	a.logger.Debug().
		Str("id", string(id)).
		Str("url", meta.URL).
		Str("engine", h.Engine()).
		Msg("Profile record persisted")
}

func urlOf(c ambient.Context) string {
	if c == nil {
		return ""
	}
	return c.URL()
}
