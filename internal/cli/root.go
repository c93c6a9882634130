// Package cli implements the reqprof command line.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/pkg/version"
)

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reqprof",
		Short: "reqprof - request-scoped profiling",
		Long: `Profile a sampled share of requests and store one record per request.

Each record holds the CPU and memory profile of one request together with
its URL, route, query, server variables and start time. Records are written
after the response has been sent, to DuckDB, a JSON-lines file or an HTTP
collector.

Configuration comes from defaults, an optional YAML file (--config or
REQPROF_CONFIG) and REQPROF_* environment variables, in that order.

When profiling is enabled, each CLI invocation is profiled as one request.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd); err != nil {
				return err
			}
			a.beginProfiling(cmd)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, disabled)")

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newRecordsCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("reqprof version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the command line in args, normally os.Args.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{args: args}
	cmd := newRootCmd(a)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if len(args) > 0 {
		cmd.SetArgs(args[1:])
	}

	err := cmd.ExecuteContext(ctx)
	a.finishProfiling(context.WithoutCancel(ctx))
	return err
}
