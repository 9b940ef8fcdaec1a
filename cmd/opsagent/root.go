package main

import (
	"errors"
	"io/fs"
	"os"

	"opsagent/internal/config"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.json"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "opsagent",
		Short: "opsagent - infrastructure agents on a priority scheduler",
		Long: `opsagent runs a set of infrastructure analysis agents (anomaly, cost,
capacity, security, ...) on a priority task scheduler and forwards their
high-priority recommendations as alerts.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to config file (JSON or YAML)")

	root.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newAgentsCmd(opts),
		newExecuteCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(),
	)
	return root
}

// resolvedConfigPath falls back to built-in defaults when the default config
// file is absent. An explicit --config must exist.
func (o *rootOptions) resolvedConfigPath() string {
	if o.configPath != defaultConfigPath {
		return o.configPath
	}
	if _, err := os.Stat(o.configPath); errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	return o.configPath
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.NewConfigManager(o.resolvedConfigPath()).Parse()
}
