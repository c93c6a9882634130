package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/coral-mesh/reqprof/internal/safe"
)

const processQueryTimeout = time.Second

type processEngine struct {
	proc *process.Process
	err  error
}

// NewProcess returns the OS process accounting engine. It is unavailable
// when the current process cannot be inspected.
func NewProcess() Engine {
	pid := os.Getpid()
	if pid > math.MaxInt32 {
		return &processEngine{err: fmt.Errorf("pid %d out of range", pid)}
	}
	p, err := process.NewProcess(int32(pid)) // #nosec G115 -- checked above.
	return &processEngine{proc: p, err: err}
}

func (e *processEngine) Name() string { return NameProcess }

func (e *processEngine) Available() bool {
	return e.err == nil && e.proc != nil
}

func (e *processEngine) Start(flags Flags, _ map[string]any) (Run, error) {
	if !e.Available() {
		return nil, ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(context.Background(), processQueryTimeout)
	defer cancel()

	run := &processRun{proc: e.proc, flags: flags, started: time.Now()}
	if flags.CPU {
		times, err := e.proc.TimesWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read process cpu times: %w", err)
		}
		run.cpuBefore = times
	}
	if flags.Memory {
		mem, err := e.proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read process memory: %w", err)
		}
		run.memBefore = mem
	}

	return run, nil
}

type processRun struct {
	proc    *process.Process
	flags   Flags
	started time.Time

	cpuBefore *cpu.TimesStat
	memBefore *process.MemoryInfoStat
}

func (r *processRun) Stop() (Profile, error) {
	ctx, cancel := context.WithTimeout(context.Background(), processQueryTimeout)
	defer cancel()

	out := Profile{
		"engine":  NameProcess,
		"wall_ns": time.Since(r.started).Nanoseconds(),
	}

	if r.cpuBefore != nil {
		after, err := r.proc.TimesWithContext(ctx)
		if err != nil {
			return out, fmt.Errorf("failed to read process cpu times: %w", err)
		}
		out["cpu"] = map[string]any{
			"user_seconds":   after.User - r.cpuBefore.User,
			"system_seconds": after.System - r.cpuBefore.System,
		}
	}

	if r.memBefore != nil {
		after, err := r.proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return out, fmt.Errorf("failed to read process memory: %w", err)
		}
		rss, _ := safe.Uint64ToInt64(after.RSS)
		vms, _ := safe.Uint64ToInt64(after.VMS)
		out["memory"] = map[string]any{
			"rss_bytes":       rss,
			"rss_delta_bytes": safe.Delta(r.memBefore.RSS, after.RSS),
			"vms_bytes":       vms,
		}
	}

	return out, nil
}
