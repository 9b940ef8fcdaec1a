package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opsagent/internal/platform"
	logx "opsagent/pkg/logx"

	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent platform until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			boot := logx.NewConsole("info").With(logx.String("comp", "main"))
			cfgPath := opts.resolvedConfigPath()
			if cfgPath == "" {
				boot.Warn("config file not found, using built-in defaults", logx.String("config", opts.configPath))
			}
			boot.Info("starting", logx.String("version", Version), logx.String("config", cfgPath))

			p, err := platform.New(cfgPath)
			if err != nil {
				boot.Error("init failed", logx.Err(err))
				return fmt.Errorf("fatal: %w", err)
			}
			if err := p.Start(ctx); err != nil {
				boot.Error("start failed", logx.Err(err))
				stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
				defer stop()
				_ = p.Stop(stopCtx)
				return fmt.Errorf("fatal start: %w", err)
			}

			select {
			case <-ctx.Done():
			case <-p.Done():
			}

			stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			if err := p.Stop(stopCtx); err != nil {
				return err
			}
			return p.Err()
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}
