package main

import (
	"fmt"
	"text/tabwriter"

	"opsagent/internal/agent/builtin"

	"github.com/spf13/cobra"
)

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the built-in agents and whether the config enables them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tENABLED\tDESCRIPTION")
			for _, a := range builtin.All(cfg.Agents) {
				fmt.Fprintf(tw, "%s\t%t\t%s\n", a.Name(), !cfg.Agents.IsDisabled(a.Name()), a.Description())
			}
			return tw.Flush()
		},
	}
}
