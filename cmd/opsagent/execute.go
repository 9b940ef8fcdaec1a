package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"opsagent/internal/agent"
	"opsagent/internal/platform"

	"github.com/spf13/cobra"
)

func newExecuteCmd(opts *rootOptions) *cobra.Command {
	var (
		names       []string
		contextPath string
		output      string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run agents once against a context snapshot and print the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "json" && output != "text" {
				return fmt.Errorf("--output must be json or text, got %q", output)
			}
			var popts []platform.Option
			if contextPath != "" {
				popts = append(popts, platform.WithContextSource(platform.NewFileContextSource(contextPath)))
			}
			p, err := platform.New(opts.resolvedConfigPath(), popts...)
			if err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = p.Stop(stopCtx)
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			payload, err := p.ContextSource().Load(ctx)
			if err != nil {
				return err
			}

			var results map[string]agent.Result
			if len(names) == 0 {
				results = p.Registry().ExecuteAll(ctx, payload)
			} else {
				results = make(map[string]agent.Result, len(names))
				for _, n := range names {
					results[n] = p.Registry().Execute(ctx, n, payload)
				}
			}

			failed := 0
			for _, res := range results {
				if !res.Success {
					failed++
				}
			}
			var werr error
			if output == "text" {
				werr = writeText(cmd.OutOrStdout(), results)
			} else {
				werr = writeJSON(cmd.OutOrStdout(), results)
			}
			if werr != nil {
				return werr
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d agents failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&names, "agent", "a", nil, "agent to run (repeatable); default runs every enabled agent")
	cmd.Flags().StringVar(&contextPath, "context", "", "YAML or JSON context snapshot (defaults to context_file from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or text")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall execution deadline")
	return cmd
}

// writeJSON emits results in the agent Result contract shape.
func writeJSON(w io.Writer, results map[string]agent.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func writeText(w io.Writer, results map[string]agent.Result) error {
	for _, n := range slices.Sorted(maps.Keys(results)) {
		res := results[n]
		state := "ok"
		if !res.Success {
			state = "FAILED: " + res.ErrorMessage
		}
		if _, err := fmt.Fprintf(w, "== %s (%s, %.3fs)\n", n, state, res.ExecutionTime.Seconds()); err != nil {
			return err
		}
		for _, rec := range res.Recommendations {
			fmt.Fprintf(w, "%s\n\n", agent.FormatRecommendation(rec))
		}
		for _, a := range res.Actions {
			fmt.Fprintf(w, "%s\n\n", agent.FormatAction(a))
		}
	}
	return nil
}
