package profiling

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "reqprof"

type metrics struct {
	sessionsStarted prometheus.Counter
	notSampled      prometheus.Counter
	throttled       prometheus.Counter
	startErrors     prometheus.Counter
	persisted       prometheus.Counter
	persistFailures prometheus.Counter
	hookPanics      prometheus.Counter
	persistDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	r := &registrar{reg: reg}
	m := &metrics{
		sessionsStarted: register(r, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_started_total",
			Help:      "Requests for which a profiling session was started",
		})),
		notSampled: register(r, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_not_sampled_total",
			Help:      "Requests skipped by the sampler",
		})),
		throttled: register(r, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_throttled_total",
			Help:      "Sampled requests dropped by the session rate cap",
		})),
		startErrors: register(r, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_start_errors_total",
			Help:      "Session starts that failed",
		})),
		persisted: register(r, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_persisted_total",
			Help:      "Profile records written to the store",
		})),
		persistFailures: register(r, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "persist_failures_total",
			Help:      "Profile records that could not be written",
		})),
		hookPanics: register(r, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hook_panics_total",
			Help:      "Panics recovered in post-response work",
		})),
		persistDuration: register(r, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "persist_duration_seconds",
			Help:      "Time spent persisting one profile record",
			Buckets:   prometheus.DefBuckets,
		})),
	}
	if r.err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", r.err)
	}
	return m, nil
}

type registrar struct {
	reg prometheus.Registerer
	err error
}

// register adds c to the registry, reusing an identical collector registered
// by another Agent on the same registry. Other failures are collected in r.
func register[C prometheus.Collector](r *registrar, c C) C {
	if err := r.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		r.err = errors.Join(r.err, err)
	}
	return c
}
