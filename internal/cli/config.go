package cli

import (
	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the reqprof configuration",
	}
	cmd.AddCommand(newConfigViewCmd(a))
	cmd.AddCommand(newConfigValidateCmd(a))
	return cmd
}

func newConfigViewCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Show the effective configuration",
		Long: `Display the configuration after defaults, the config file and
environment variables have been merged. The upload token is redacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// Loading already validates, so reaching RunE means the configuration is
// valid.
func newConfigValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			state := "disabled"
			if a.cfg.Enabled {
				state = "enabled"
			}
			cmd.Printf("Configuration is valid (profiling %s, ratio %d%%, drivers %v)\n",
				state, a.cfg.SampleRatio, a.cfg.Store.Drivers)
			return nil
		},
	}
}
