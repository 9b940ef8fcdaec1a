package main

import (
	"fmt"

	"opsagent/internal/config"

	"github.com/spf13/cobra"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a configuration file",
		Long:  `Parse the configuration file, apply environment overrides and validate the result.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := config.NewConfigManager(path).Parse()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (agents.execution_interval=%s, scheduler.workers=%d)\n",
				path, cfg.Agents.ExecutionIntervalDuration(), cfg.Scheduler.WorkersOrDefault())
			return nil
		},
	}
}
