package engine

import (
	"runtime/metrics"
	"time"

	"github.com/coral-mesh/reqprof/internal/safe"
)

// runtimeMetric maps a runtime/metrics name to a key in the profile.
type runtimeMetric struct {
	key        string
	name       string
	group      string
	cumulative bool
}

var runtimeMetrics = []runtimeMetric{
	{key: "total_seconds", name: "/cpu/classes/total:cpu-seconds", group: "cpu", cumulative: true},
	{key: "user_seconds", name: "/cpu/classes/user:cpu-seconds", group: "cpu", cumulative: true},
	{key: "gc_seconds", name: "/cpu/classes/gc/total:cpu-seconds", group: "cpu", cumulative: true},
	{key: "alloc_bytes", name: "/gc/heap/allocs:bytes", group: "memory", cumulative: true},
	{key: "alloc_objects", name: "/gc/heap/allocs:objects", group: "memory", cumulative: true},
	{key: "gc_cycles", name: "/gc/cycles/total:gc-cycles", group: "memory", cumulative: true},
	{key: "heap_live_bytes", name: "/gc/heap/live:bytes", group: "memory"},
	{key: "goroutines", name: "/sched/goroutines:goroutines", group: "sched"},
}

type runtimeEngine struct {
	supported map[string]bool
}

// NewRuntime returns the runtime/metrics engine. It reads process-wide
// counters, so concurrent runs overlap and the engine is always available.
func NewRuntime() Engine {
	supported := make(map[string]bool, len(runtimeMetrics))
	for _, d := range metrics.All() {
		supported[d.Name] = true
	}
	return &runtimeEngine{supported: supported}
}

func (e *runtimeEngine) Name() string { return NameRuntime }

func (e *runtimeEngine) Available() bool { return true }

func (e *runtimeEngine) Start(flags Flags, _ map[string]any) (Run, error) {
	run := &runtimeRun{started: time.Now()}
	for _, m := range runtimeMetrics {
		if !e.supported[m.name] {
			continue
		}
		if (m.group == "cpu" && !flags.CPU) || (m.group == "memory" && !flags.Memory) {
			continue
		}
		run.metrics = append(run.metrics, m)
		run.before = append(run.before, metrics.Sample{Name: m.name})
	}
	metrics.Read(run.before)
	return run, nil
}

type runtimeRun struct {
	started time.Time
	metrics []runtimeMetric
	before  []metrics.Sample
}

func (r *runtimeRun) Stop() (Profile, error) {
	after := make([]metrics.Sample, len(r.before))
	for i := range r.before {
		after[i].Name = r.before[i].Name
	}
	metrics.Read(after)

	out := Profile{
		"engine":  NameRuntime,
		"wall_ns": time.Since(r.started).Nanoseconds(),
	}
	groups := make(map[string]map[string]any)
	for i, m := range r.metrics {
		v, ok := metricValue(r.before[i].Value, after[i].Value, m.cumulative)
		if !ok {
			continue
		}
		g, exists := groups[m.group]
		if !exists {
			g = make(map[string]any)
			groups[m.group] = g
		}
		g[m.key] = v
	}
	for name, g := range groups {
		out[name] = g
	}

	return out, nil
}

// metricValue returns the delta for cumulative metrics and the final value
// for gauges.
func metricValue(before, after metrics.Value, cumulative bool) (any, bool) {
	switch after.Kind() {
	case metrics.KindUint64:
		if !cumulative {
			v, _ := safe.Uint64ToInt64(after.Uint64())
			return v, true
		}
		return safe.Delta(before.Uint64(), after.Uint64()), true
	case metrics.KindFloat64:
		if !cumulative {
			return after.Float64(), true
		}
		return after.Float64() - before.Float64(), true
	default:
		return nil, false
	}
}
