package profiling

import (
	"context"

	rperrors "github.com/coral-mesh/reqprof/internal/errors"
	"github.com/coral-mesh/reqprof/pkg/ambient"
)

// OnRequestEnd is the post-response hook the agent registers with its host.
//
// For a request with a running session it keeps the tail work alive past a
// client disconnect, releases the session-affinity resource, finishes the
// response when configured to, and stops the session. Each step is isolated:
// errors are logged and panics recovered, so nothing reaches the host.
// Requests without a running session cost one map lookup.
func (a *Agent) OnRequestEnd(ctx context.Context, c ambient.Context) {
	s := a.Session(c)
	if s == nil || !s.Running() {
		return
	}

	a.step("ignore_abort", func() error {
		if detached := c.IgnoreAbort(ctx); detached != nil {
			ctx = detached
		}
		return nil
	})

	a.step("close_session", c.CloseSession)

	if a.cfg.FinishResponseBeforePersist {
		a.step("finish_response", c.FinishResponse)
	}

	a.step("stop", func() error {
		s.Stop(ctx)
		return nil
	})
}

func (a *Agent) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.hookPanics.Inc()
			a.logger.Error().
				Err(rperrors.Recovered(r)).
				Str("step", name).
				Msg("Recovered panic in post-response hook")
		}
	}()

	if err := fn(); err != nil {
		a.logger.Warn().Err(err).Str("step", name).Msg("Post-response step failed")
	}
}
