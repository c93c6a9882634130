package profiling

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/engine"
	"github.com/coral-mesh/reqprof/internal/store"
	"github.com/coral-mesh/reqprof/internal/testutil"
)

var testNow = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

type fixture struct {
	agent   *Agent
	host    *testutil.Host
	engine  *stubEngine
	sink    *recordingSink
	sampler *countingSampler
	log     *testutil.CallLog
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Enabled = true
	cfg.SampleRatio = 100
	cfg.CollectServerVars = true
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		host:    &testutil.Host{},
		engine:  newStubEngine(engine.Profile{"cpu": 10}),
		sampler: &countingSampler{result: true},
		log:     &testutil.CallLog{},
	}
	f.sink = &recordingSink{log: f.log}

	agent, err := New(context.Background(), cfg, f.host,
		WithLogger(testutil.NewTestLogger(t)),
		WithSink(f.sink),
		WithEngines(f.engine),
		WithSampler(f.sampler),
		WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)
	f.agent = agent
	return f
}

func (f *fixture) request(url string) *testutil.Context {
	return testutil.NewContext(url, f.log).WithQuery(map[string]any{"x": "1"})
}

func TestStart_Disabled(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Enabled = false })
	c := f.request("/foo")

	s := f.agent.NewSession(c)
	started, err := s.Start()

	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, StateDisabled, s.State())
	assert.Zero(t, f.engine.starts.Load(), "adapter never invoked")
	assert.Zero(t, f.host.Registrations(), "hook never registered")
	assert.Zero(t, f.sampler.calls.Load())
	assert.Empty(t, f.log.Calls(), "ambient context untouched")
}

func TestStart_AlreadyRunning(t *testing.T) {
	f := newFixture(t, nil)
	s := f.agent.NewSession(f.request("/foo"))

	started, err := s.Start()
	require.NoError(t, err)
	require.True(t, started)

	again, err := s.Start()
	require.NoError(t, err)
	assert.False(t, again)
	assert.Equal(t, int32(1), f.engine.starts.Load(), "engine enabled once")
	assert.True(t, s.Running())
}

func TestStop_Idle(t *testing.T) {
	f := newFixture(t, nil)
	s := f.agent.NewSession(f.request("/foo"))

	assert.False(t, s.Stop(context.Background()))
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, f.log.Count("persist"))
	assert.Zero(t, f.engine.stops.Load())
}

func TestStop_Twice(t *testing.T) {
	f := newFixture(t, nil)
	s := f.agent.NewSession(f.request("/foo"))
	_, err := s.Start()
	require.NoError(t, err)

	assert.True(t, s.Stop(context.Background()))
	assert.False(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 1, f.log.Count("persist"))
}

func TestStart_Unsupported(t *testing.T) {
	t.Run("no persistence driver", func(t *testing.T) {
		f := newFixture(t, nil)
		f.sink.notOK = true
		s := f.agent.NewSession(f.request("/foo"))

		started, err := s.Start()

		assert.False(t, started)
		require.ErrorIs(t, err, ErrConfiguration)
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, CapabilityPersistence, cfgErr.Missing)
		assert.Equal(t, StateIdle, s.State())
		assert.Zero(t, f.engine.starts.Load())
		assert.Zero(t, f.host.Registrations())
	})

	t.Run("no engine", func(t *testing.T) {
		f := newFixture(t, nil)
		f.engine.available.Store(false)
		s := f.agent.NewSession(f.request("/foo"))

		started, err := s.Start()

		assert.False(t, started)
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, CapabilityEngine, cfgErr.Missing)
		assert.Equal(t, StateIdle, s.State())
		assert.Equal(t, 1.0, promtestutil.ToFloat64(f.agent.metrics.startErrors))
	})
}

func TestStart_NotSampled(t *testing.T) {
	f := newFixture(t, nil)
	f.sampler.result = false
	s := f.agent.NewSession(f.request("/foo"))

	started, err := s.Start()

	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, f.engine.starts.Load())
	assert.Zero(t, f.host.Registrations())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.agent.metrics.notSampled))
}

func TestEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	c := f.request("/foo?x=1")

	s := f.agent.Begin(c)
	require.True(t, s.Running())
	assert.Equal(t, 1, f.host.Registrations())

	f.host.EndRequest(context.Background(), c)

	assert.Equal(t, StateStopped, s.State())
	records := f.sink.Records()
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, engine.Profile{"cpu": 10}, rec.Profile)
	assert.Equal(t, "/foo?x=1", rec.Meta.URL)
	assert.Equal(t, "/foo?x=1", rec.Meta.SimpleURL)
	assert.Equal(t, map[string]any{"x": "1"}, rec.Meta.Get)
	assert.Equal(t, map[string]string{}, rec.Meta.Env)
	assert.Equal(t, testNow.Unix()*1000, rec.Meta.RequestTimestampMillis)
	assert.Equal(t, "2024-03-05", rec.Meta.RequestDate)

	assert.Equal(t, []string{
		"set_request_time",
		"ignore_abort",
		"close_session",
		"finish_response",
		"persist",
	}, f.log.Calls())

	assert.Nil(t, f.agent.Session(c), "session untracked after stop")
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.agent.metrics.sessionsStarted))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.agent.metrics.persisted))
}

func TestEndToEnd_RequestTimeKeptFromHost(t *testing.T) {
	f := newFixture(t, nil)
	// Set by the host when the request arrived, before profiling began.
	c := f.request("/foo").WithRequestTime(1709681400, 1709681400.75)

	f.agent.Begin(c)
	f.host.EndRequest(context.Background(), c)

	records := f.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, int64(1709681400000), records[0].Meta.RequestTimestampMillis)
	assert.InDelta(t, 1709681400750.0, records[0].Meta.RequestTimestampMicrosMillis, 0.01)
}

func TestHook_StoreErrorIsolated(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.err = &store.Error{Driver: "duckdb", Op: "insert", Err: errors.New("connection refused")}
	c := f.request("/foo")

	s := f.agent.Begin(c)
	require.True(t, s.Running())

	assert.NotPanics(t, func() {
		f.host.EndRequest(context.Background(), c)
	})

	calls := f.log.Calls()
	assert.Less(t, indexOf(calls, "finish_response"), indexOf(calls, "persist"), "response finished before persist")
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.agent.metrics.persistFailures))
	assert.Zero(t, promtestutil.ToFloat64(f.agent.metrics.persisted))
}

func TestStop_ReturnsTrueOnStoreError(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.err = &store.Error{Driver: "file", Op: "write", Err: errors.New("disk full")}
	s := f.agent.Begin(f.request("/foo"))

	assert.True(t, s.Stop(context.Background()))
}

func TestAggregationURL(t *testing.T) {
	f := newFixture(t, nil)
	c := f.request("/users/42?x=1")

	s := f.agent.Begin(c)
	s.SetAggregationURL("/users/{id}")
	f.host.EndRequest(context.Background(), c)

	records := f.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "/users/42?x=1", records[0].Meta.URL)
	assert.Equal(t, "/users/{id}", records[0].Meta.SimpleURL)
}

func TestSessionOverrides(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.CollectEnvVars = true })
	c := f.request("/foo")

	s := f.agent.Begin(c)
	s.SetURL("/rewritten")
	s.SetServerVars(map[string]string{"SERVER_NAME": "api"})
	s.SetEnvVars(nil)
	f.host.EndRequest(context.Background(), c)

	records := f.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "/rewritten", records[0].Meta.URL)
	assert.Equal(t, "/rewritten", records[0].Meta.SimpleURL)
	assert.Equal(t, map[string]string{"SERVER_NAME": "api"}, records[0].Meta.Server)
	assert.Equal(t, map[string]string{}, records[0].Meta.Env)
}

func TestHookRegisteredOnceAcrossRequests(t *testing.T) {
	f := newFixture(t, nil)

	for _, url := range []string{"/first", "/second"} {
		c := f.request(url)
		s := f.agent.Begin(c)
		require.True(t, s.Running(), "each request starts a fresh session")

		f.host.EndRequest(context.Background(), c)
		assert.Equal(t, StateStopped, s.State())
	}

	assert.Equal(t, 1, f.host.Registrations())
	assert.Equal(t, int32(2), f.engine.starts.Load())

	records := f.sink.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "/first", records[0].Meta.URL)
	assert.Equal(t, "/second", records[1].Meta.URL)
}

func TestConcurrentRequests(t *testing.T) {
	f := newFixture(t, nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := testutil.NewContext("/concurrent", nil)
			f.agent.Begin(c)
			f.host.EndRequest(context.Background(), c)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.host.Registrations())
	assert.Len(t, f.sink.Records(), n)
}

func TestHook_PanicsRecovered(t *testing.T) {
	f := newFixture(t, nil)
	c := f.request("/foo")
	c.PanicOn = "finish_response"

	f.agent.Begin(c)
	assert.NotPanics(t, func() {
		f.host.EndRequest(context.Background(), c)
	})

	assert.Len(t, f.sink.Records(), 1, "stop still runs after a failed step")
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.agent.metrics.hookPanics))
}

func TestHook_StepErrorsLogged(t *testing.T) {
	f := newFixture(t, nil)
	logger, buf := testutil.NewCapturingLogger()
	f.agent.logger = logger
	c := f.request("/foo")
	c.CloseSessionErr = errors.New("session locked")

	f.agent.Begin(c)
	f.host.EndRequest(context.Background(), c)

	assert.Contains(t, buf.String(), "session locked")
	assert.Contains(t, buf.String(), `"step":"close_session"`)
	assert.Len(t, f.sink.Records(), 1)
}

func TestHook_FinishResponseDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.FinishResponseBeforePersist = false })
	c := f.request("/foo")

	f.agent.Begin(c)
	f.host.EndRequest(context.Background(), c)

	assert.Zero(t, f.log.Count("finish_response"))
	assert.Equal(t, 1, f.log.Count("persist"))
}

func TestHook_UnprofiledRequest(t *testing.T) {
	f := newFixture(t, nil)
	profiled := f.request("/profiled")
	f.agent.Begin(profiled)

	other := testutil.NewContext("/other", nil)
	f.agent.OnRequestEnd(context.Background(), other)

	assert.Empty(t, other.Log().Calls())
	assert.True(t, f.agent.Session(profiled).Running())
}

func TestStop_EngineErrorStillPersists(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.profile = engine.Profile{"partial": true}
	f.engine.stopErr = errors.New("profile truncated")
	c := f.request("/foo")

	f.agent.Begin(c)
	f.host.EndRequest(context.Background(), c)

	records := f.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, engine.Profile{"partial": true}, records[0].Profile)
}

func TestBegin_ConfigurationErrorLoggedOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.notOK = true
	logger, buf := testutil.NewCapturingLogger()
	f.agent.logger = logger.Level(zerolog.ErrorLevel)

	f.agent.Begin(f.request("/a"))
	f.agent.Begin(f.request("/b"))

	assert.Equal(t, 1, countLines(buf.String()))
}

func TestSession_NilSafe(t *testing.T) {
	var s *Session

	started, err := s.Start()
	assert.False(t, started)
	assert.NoError(t, err)
	assert.False(t, s.Stop(context.Background()))
	assert.False(t, s.Running())
	assert.Equal(t, StateDisabled, s.State())
	assert.NotPanics(t, func() {
		s.SetURL("/x")
		s.SetAggregationURL("/x")
		s.SetServerVars(nil)
		s.SetEnvVars(nil)
	})
	assert.False(t, s.HasAggregationURL())
}

func TestContextHelpers(t *testing.T) {
	f := newFixture(t, nil)
	s := f.agent.NewSession(f.request("/foo"))

	ctx := NewContext(context.Background(), s)

	assert.Same(t, s, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}

func TestClose_StopsRunningSessions(t *testing.T) {
	f := newFixture(t, nil)
	s := f.agent.Begin(f.request("/foo"))

	require.NoError(t, f.agent.Close(context.Background()))

	assert.Equal(t, StateStopped, s.State())
	assert.Len(t, f.sink.Records(), 1)
}

func TestNew_OpensConfiguredSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	cfg := config.Default()
	cfg.Enabled = true
	cfg.SampleRatio = 100
	cfg.Store.Drivers = []string{config.DriverFile}
	cfg.Store.FilePath = path
	host := &testutil.Host{}

	agent, err := New(context.Background(), cfg, host, WithEngines(newStubEngine(engine.Profile{"cpu": 1})))
	require.NoError(t, err)
	defer func() { _ = agent.Close(context.Background()) }()

	c := testutil.NewContext("/foo", nil)
	agent.Begin(c)
	host.EndRequest(context.Background(), c)

	docs, err := store.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "/foo", docs[0].Meta.URL)
}

func TestNew_StoreOpenFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Enabled = true
	cfg.Store.DSN = filepath.Join(t.TempDir(), "missing", "dir", "records.duckdb")

	agent, err := New(context.Background(), cfg, &testutil.Host{}, WithEngines(newStubEngine(nil)))
	require.NoError(t, err, "store failures do not prevent the agent from being created")

	_, err = agent.NewSession(testutil.NewContext("/", nil)).Start()
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, CapabilityPersistence, cfgErr.Missing)
}

func TestNew_DisabledOpensNothing(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Drivers = []string{"not-a-driver"}
	cfg.Engines = []string{"not-an-engine"}

	agent, err := New(context.Background(), cfg, &testutil.Host{})
	require.NoError(t, err)
	assert.False(t, agent.Enabled())
	assert.Nil(t, agent.sink)
}

func TestNew_MetricsRegistrationFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reqprof_sessions_started_total",
		Help: "Registered by something else",
	}))

	var agent *Agent
	var err error
	require.NotPanics(t, func() {
		agent, err = New(context.Background(), config.Default(), &testutil.Host{}, WithRegisterer(reg))
	})
	assert.ErrorContains(t, err, "failed to register metrics")
	assert.Nil(t, agent)
}

func TestNew_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := New(context.Background(), config.Default(), &testutil.Host{}, WithRegisterer(reg))
	require.NoError(t, err)
	second, err := New(context.Background(), config.Default(), &testutil.Host{}, WithRegisterer(reg))
	require.NoError(t, err)

	assert.Same(t, first.metrics.sessionsStarted, second.metrics.sessionsStarted)
}

func TestNew_UnknownEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Enabled = true
	cfg.Engines = []string{"xdebug"}

	_, err := New(context.Background(), cfg, &testutil.Host{}, WithSink(&recordingSink{}))
	assert.ErrorContains(t, err, `unknown engine "xdebug"`)
}

func TestConfigurationError(t *testing.T) {
	err := &ConfigurationError{Missing: CapabilityEngine}

	assert.EqualError(t, err, "profiling unavailable: no sampling engine available")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.NotErrorIs(t, err, ErrStore)
}

func indexOf(calls []string, name string) int {
	for i, c := range calls {
		if c == name {
			return i
		}
	}
	return -1
}

func countLines(s string) int {
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}

func TestStart_RateCap(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.MaxSessionsPerSecond = 0.001 })

	first, err := f.agent.NewSession(f.request("/a")).Start()
	require.NoError(t, err)
	assert.True(t, first)

	second, err := f.agent.NewSession(f.request("/b")).Start()
	require.NoError(t, err)
	assert.False(t, second, "burst of one already spent")

	assert.Equal(t, int32(1), f.engine.starts.Load())
	assert.Equal(t, float64(1), promtestutil.ToFloat64(f.agent.metrics.throttled))
	assert.Equal(t, int32(2), f.sampler.calls.Load(), "cap applies after the sampler draw")
}
