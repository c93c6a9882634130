package cli

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/logging"
	"github.com/coral-mesh/reqprof/pkg/profiling"
	"github.com/coral-mesh/reqprof/pkg/profiling/clihost"
)

// Commands carrying this annotation run unprofiled. Long-running commands
// set it; their requests are profiled individually instead.
const annotationSkipProfiling = "reqprof/skip-profiling"

// app holds state shared by all commands of one invocation.
type app struct {
	args       []string
	configPath string
	logLevel   string

	cfg    *config.Config
	logger zerolog.Logger

	host  *clihost.Host
	agent *profiling.Agent
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	cfg.Logging.Output = cmd.ErrOrStderr()

	a.cfg = cfg
	a.logger = logging.New(cfg.Logging)
	return nil
}

// beginProfiling starts a session covering the whole invocation. Failures
// leave the command unprofiled.
func (a *app) beginProfiling(cmd *cobra.Command) {
	if !a.cfg.Enabled || cmd.Annotations[annotationSkipProfiling] != "" {
		return
	}

	host := clihost.New(a.args, clihost.WithLogger(a.logger))
	agent, err := profiling.New(cmd.Context(), a.cfg, host, profiling.WithLogger(a.logger))
	if err != nil {
		a.logger.Warn().Err(err).Msg("Profiling unavailable for this invocation")
		return
	}

	a.host = host
	a.agent = agent
	agent.Begin(host)
}

func (a *app) finishProfiling(ctx context.Context) {
	if a.host == nil {
		return
	}
	a.host.Finish(ctx)
	if err := a.agent.Close(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close profiling store")
	}
}
