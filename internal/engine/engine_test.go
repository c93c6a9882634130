package engine

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	name      string
	available bool
	startErr  error
	profile   Profile
	stopErr   error

	starts    int
	lastFlags Flags
	lastOpts  map[string]any
}

func (s *stubEngine) Name() string    { return s.name }
func (s *stubEngine) Available() bool { return s.available }

func (s *stubEngine) Start(flags Flags, options map[string]any) (Run, error) {
	s.starts++
	s.lastFlags = flags
	s.lastOpts = options
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &stubRun{engine: s}, nil
}

type stubRun struct {
	engine *stubEngine
	stops  int
}

func (r *stubRun) Stop() (Profile, error) {
	r.stops++
	return r.engine.profile, r.engine.stopErr
}

func always() bool { return true }

func TestAdapter_IsSupported(t *testing.T) {
	tests := []struct {
		name    string
		driver  func() bool
		engines []Engine
		want    bool
	}{
		{
			name:    "driver and engine",
			driver:  always,
			engines: []Engine{&stubEngine{name: "a", available: true}},
			want:    true,
		},
		{
			name:    "no driver",
			driver:  func() bool { return false },
			engines: []Engine{&stubEngine{name: "a", available: true}},
			want:    false,
		},
		{
			name:    "nil driver probe",
			driver:  nil,
			engines: []Engine{&stubEngine{name: "a", available: true}},
			want:    false,
		},
		{
			name:   "no engine available",
			driver: always,
			engines: []Engine{
				&stubEngine{name: "a"},
				&stubEngine{name: "b"},
			},
			want: false,
		},
		{
			name:    "no engines",
			driver:  always,
			engines: nil,
			want:    false,
		},
		{
			name:   "second engine available",
			driver: always,
			engines: []Engine{
				&stubEngine{name: "a"},
				&stubEngine{name: "b", available: true},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter(tt.engines, tt.driver, zerolog.Nop())
			assert.Equal(t, tt.want, a.IsSupported())
		})
	}
}

func TestAdapter_EnableFirstAvailableWins(t *testing.T) {
	first := &stubEngine{name: "first"}
	second := &stubEngine{name: "second", available: true, profile: Profile{"cpu": 10}}
	third := &stubEngine{name: "third", available: true}

	a := NewAdapter([]Engine{first, second, third}, always, zerolog.Nop())

	flags := Flags{CPU: true, Memory: true}
	opts := map[string]any{"top": 5}
	h, err := a.Enable(flags, opts)
	require.NoError(t, err)
	assert.Equal(t, "second", h.Engine())

	assert.Zero(t, first.starts)
	assert.Equal(t, 1, second.starts)
	assert.Zero(t, third.starts)
	assert.Equal(t, flags, second.lastFlags)
	assert.Equal(t, opts, second.lastOpts)

	p, err := a.Disable(h)
	require.NoError(t, err)
	assert.Equal(t, Profile{"cpu": 10}, p)
}

func TestAdapter_EnableFallsThroughOnUnavailable(t *testing.T) {
	busy := &stubEngine{name: "busy", available: true, startErr: ErrUnavailable}
	next := &stubEngine{name: "next", available: true}

	a := NewAdapter([]Engine{busy, next}, always, zerolog.Nop())

	h, err := a.Enable(Flags{CPU: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "next", h.Engine())
	assert.Equal(t, 1, busy.starts)
}

func TestAdapter_EnableStartError(t *testing.T) {
	boom := errors.New("boom")
	broken := &stubEngine{name: "broken", available: true, startErr: boom}
	next := &stubEngine{name: "next", available: true}

	a := NewAdapter([]Engine{broken, next}, always, zerolog.Nop())

	h, err := a.Enable(Flags{CPU: true}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, h)
	assert.Zero(t, next.starts)
}

func TestAdapter_EnableNoEngine(t *testing.T) {
	a := NewAdapter([]Engine{&stubEngine{name: "a"}}, always, zerolog.Nop())

	_, err := a.Enable(Flags{CPU: true}, nil)
	assert.ErrorIs(t, err, ErrNoEngine)
}

func TestAdapter_Disable(t *testing.T) {
	stopErr := errors.New("stop failed")
	e := &stubEngine{name: "a", available: true, profile: Profile{"partial": true}, stopErr: stopErr}
	a := NewAdapter([]Engine{e}, always, zerolog.Nop())

	t.Run("nil handle", func(t *testing.T) {
		p, err := a.Disable(nil)
		assert.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("stop error keeps partial profile", func(t *testing.T) {
		h, err := a.Enable(Flags{Memory: true}, nil)
		require.NoError(t, err)

		p, err := a.Disable(h)
		assert.ErrorIs(t, err, stopErr)
		assert.Equal(t, Profile{"partial": true}, p)

		// Second disable is a no-op.
		p, err = a.Disable(h)
		assert.NoError(t, err)
		assert.Nil(t, p)
	})
}

func TestNew(t *testing.T) {
	engines, err := New([]string{NameRuntime, NamePprof, NameProcess})
	require.NoError(t, err)
	require.Len(t, engines, 3)
	assert.Equal(t, NameRuntime, engines[0].Name())
	assert.Equal(t, NamePprof, engines[1].Name())
	assert.Equal(t, NameProcess, engines[2].Name())

	_, err = New([]string{"xhprof"})
	assert.ErrorContains(t, err, `unknown engine "xhprof"`)
}

func TestOptions(t *testing.T) {
	opts := map[string]any{
		"int":     7,
		"int64":   int64(8),
		"uint64":  uint64(9),
		"float":   float64(10),
		"string":  "11",
		"enabled": false,
	}

	assert.Equal(t, 7, intOption(opts, "int", 0))
	assert.Equal(t, 8, intOption(opts, "int64", 0))
	assert.Equal(t, 9, intOption(opts, "uint64", 0))
	assert.Equal(t, 10, intOption(opts, "float", 0))
	assert.Equal(t, 3, intOption(opts, "string", 3))
	assert.Equal(t, 3, intOption(nil, "missing", 3))

	assert.False(t, boolOption(opts, "enabled", true))
	assert.True(t, boolOption(opts, "missing", true))
}
