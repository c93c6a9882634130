package engine

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
)

const (
	defaultTop = 10

	optIncludeRaw     = "include_raw"
	optTop            = "top"
	optMemProfileRate = "mem_profile_rate"
)

// The Go runtime has a single CPU profiler per process.
var cpuSlot atomic.Bool

// memRate tracks overrides of runtime.MemProfileRate. The first override in
// an idle process sets the rate; overlapping runs share it, and the original
// rate comes back when the last of them stops.
var memRate struct {
	sync.Mutex
	active   int
	original int
}

func acquireMemRate(rate int) {
	memRate.Lock()
	defer memRate.Unlock()
	if memRate.active == 0 {
		memRate.original = runtime.MemProfileRate
		runtime.MemProfileRate = rate
	}
	memRate.active++
}

func releaseMemRate() {
	memRate.Lock()
	defer memRate.Unlock()
	memRate.active--
	if memRate.active == 0 {
		runtime.MemProfileRate = memRate.original
	}
}

type pprofEngine struct{}

// NewPprof returns the runtime/pprof engine. CPU collection holds the
// process-wide CPU profiler for the duration of the run, so the engine
// reports unavailable while another run is using it.
//
// Memory collection diffs two snapshots of the allocs profile. The runtime
// publishes that profile as of the most recently completed GC cycle, so the
// delta lags by up to one cycle: it can miss allocations made since the last
// GC and include ones made shortly before Start.
func NewPprof() Engine {
	return &pprofEngine{}
}

func (e *pprofEngine) Name() string { return NamePprof }

func (e *pprofEngine) Available() bool {
	return !cpuSlot.Load()
}

func (e *pprofEngine) Start(flags Flags, options map[string]any) (Run, error) {
	run := &pprofRun{
		flags:      flags,
		started:    time.Now(),
		top:        intOption(options, optTop, defaultTop),
		includeRaw: boolOption(options, optIncludeRaw, true),
	}

	if flags.Memory {
		if rate := intOption(options, optMemProfileRate, 0); rate > 0 {
			acquireMemRate(rate)
			run.rateSet = true
		}

		base, err := allocsSnapshot()
		if err != nil {
			run.restoreRate()
			return nil, err
		}
		run.allocBase = base
	}

	if flags.CPU {
		if !cpuSlot.CompareAndSwap(false, true) {
			run.restoreRate()
			return nil, ErrUnavailable
		}
		if err := pprof.StartCPUProfile(&run.cpu); err != nil {
			// Profiler held by code outside this package.
			cpuSlot.Store(false)
			run.restoreRate()
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		run.cpuActive = true
	}

	return run, nil
}

type pprofRun struct {
	flags      Flags
	started    time.Time
	top        int
	includeRaw bool

	cpu       bytes.Buffer
	cpuActive bool

	allocBase *profile.Profile
	rateSet   bool
}

func (r *pprofRun) Stop() (Profile, error) {
	defer r.restoreRate()

	out := Profile{
		"engine":  NamePprof,
		"wall_ns": time.Since(r.started).Nanoseconds(),
	}
	var errs []error

	if r.cpuActive {
		pprof.StopCPUProfile()
		cpuSlot.Store(false)
		r.cpuActive = false

		raw := r.cpu.Bytes()
		if p, err := profile.ParseData(raw); err != nil {
			errs = append(errs, fmt.Errorf("failed to parse cpu profile: %w", err))
		} else {
			out["cpu"] = Summarize(p, r.top)
		}
		if r.includeRaw {
			out["cpu_pprof"] = raw
		}
	}

	if r.allocBase != nil {
		delta, err := r.allocsDelta()
		if err != nil {
			errs = append(errs, err)
		} else {
			out["memory"] = Summarize(delta, r.top)
			if r.includeRaw {
				var buf bytes.Buffer
				if err := delta.Write(&buf); err != nil {
					errs = append(errs, fmt.Errorf("failed to encode allocation profile: %w", err))
				} else {
					out["memory_pprof"] = buf.Bytes()
				}
			}
		}
	}

	return out, errors.Join(errs...)
}

// allocsDelta returns the allocations made since Start. The alloc_* counters
// are cumulative and are diffed against the base snapshot; the inuse_* gauges
// are taken from the final snapshot as they are.
func (r *pprofRun) allocsDelta() (*profile.Profile, error) {
	after, err := allocsSnapshot()
	if err != nil {
		return nil, err
	}

	base := r.allocBase
	r.allocBase = nil

	ratios := make([]float64, len(base.SampleType))
	for i, st := range base.SampleType {
		if strings.HasPrefix(st.Type, "alloc_") {
			ratios[i] = -1
		}
	}
	if err := base.ScaleN(ratios); err != nil {
		return nil, fmt.Errorf("failed to diff allocation profiles: %w", err)
	}

	delta, err := profile.Merge([]*profile.Profile{base, after})
	if err != nil {
		return nil, fmt.Errorf("failed to diff allocation profiles: %w", err)
	}

	// A stack can only lose allocations if the runtime dropped its bucket.
	for _, sample := range delta.Sample {
		for i, v := range sample.Value {
			if v < 0 {
				sample.Value[i] = 0
			}
		}
	}
	return delta, nil
}

func (r *pprofRun) restoreRate() {
	if !r.rateSet {
		return
	}
	releaseMemRate()
	r.rateSet = false
}

func allocsSnapshot() (*profile.Profile, error) {
	var buf bytes.Buffer
	if err := pprof.Lookup("allocs").WriteTo(&buf, 0); err != nil {
		return nil, fmt.Errorf("failed to write allocation profile: %w", err)
	}
	p, err := profile.Parse(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse allocation profile: %w", err)
	}
	return p, nil
}
