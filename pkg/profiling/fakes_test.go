package profiling

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coral-mesh/reqprof/internal/engine"
	"github.com/coral-mesh/reqprof/internal/store"
	"github.com/coral-mesh/reqprof/internal/testutil"
)

type stubEngine struct {
	available atomic.Bool
	starts    atomic.Int32
	stops     atomic.Int32
	profile   engine.Profile
	stopErr   error
}

func newStubEngine(profile engine.Profile) *stubEngine {
	e := &stubEngine{profile: profile}
	e.available.Store(true)
	return e
}

func (e *stubEngine) Name() string    { return "stub" }
func (e *stubEngine) Available() bool { return e.available.Load() }

func (e *stubEngine) Start(engine.Flags, map[string]any) (engine.Run, error) {
	e.starts.Add(1)
	return stubRun{e}, nil
}

type stubRun struct{ e *stubEngine }

func (r stubRun) Stop() (engine.Profile, error) {
	r.e.stops.Add(1)
	return r.e.profile, r.e.stopErr
}

type recordingSink struct {
	mu      sync.Mutex
	records []store.Record
	err     error
	notOK   bool
	log     *testutil.CallLog
}

func (s *recordingSink) Persist(_ context.Context, rec store.Record) (store.RecordID, error) {
	if s.log != nil {
		s.log.Add("persist")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.records = append(s.records, rec)
	return store.RecordID("rec-1"), nil
}

func (s *recordingSink) Ready() bool { return !s.notOK }

func (s *recordingSink) Records() []store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Record(nil), s.records...)
}

type countingSampler struct {
	result bool
	calls  atomic.Int32
}

func (s *countingSampler) ShouldSample(int) bool {
	s.calls.Add(1)
	return s.result
}
