package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"go.uber.org/zap"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen for control messages and run plans until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			undo := concurrency.InitializeForKubernetes(bootstrapLogger())
			defer undo()

			cfg, err := config.Load(config.Options{ConfigFile: opts.configFile, EnvFile: opts.envFile})
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			logger.Info("Starting daedalus",
				zap.String("version", version),
				zap.String("bus", cfg.Bus.Transport),
				zap.String("store", cfg.Store.Backend),
				zap.Stringer("concurrency", concurrency.LoadConfig()))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			runErr := e.run(ctx)

			logger.Info("Shutting down")
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := e.close(closeCtx); err != nil {
				logger.Error("Shutdown finished with errors", zap.Error(err))
			}
			return runErr
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed to drain status events on shutdown")
	return cmd
}

// bootstrapLogger logs until the configured logger exists.
func bootstrapLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
