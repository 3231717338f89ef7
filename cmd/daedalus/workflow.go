package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/runplan"
	"github.com/wehubfusion/Daedalus/pkg/status"
	"go.uber.org/zap"
)

// workflowOptions are shared by the workflow subcommands.
type workflowOptions struct {
	root        *rootOptions
	definitions string
}

func newWorkflowCommand(opts *rootOptions) *cobra.Command {
	wo := &workflowOptions{root: opts}
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Dispatch, inspect and stop workflows on a serving engine",
	}
	cmd.PersistentFlags().StringVarP(&wo.definitions, "definitions", "d", "",
		"JSON processor definitions saved to the store before the command runs")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "dispatch <workflowID>",
			Short: "Generate, persist and dispatch a new run plan",
			Args:  cobra.ExactArgs(1),
			RunE: wo.with(func(ctx context.Context, cmd *cobra.Command, svc *runplan.Service, args []string) error {
				plan, err := svc.Dispatch(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), plan.ID)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "redispatch <workflowID>...",
			Short: "Dispatch the latest plan of each workflow, generating missing ones",
			Args:  cobra.MinimumNArgs(1),
			RunE: wo.with(func(ctx context.Context, _ *cobra.Command, svc *runplan.Service, args []string) error {
				return svc.DispatchAll(ctx, args)
			}),
		},
		&cobra.Command{
			Use:   "status <workflowID>",
			Short: "Print the state and errors of the latest run plan",
			Args:  cobra.ExactArgs(1),
			RunE: wo.with(func(ctx context.Context, cmd *cobra.Command, svc *runplan.Service, args []string) error {
				st, err := svc.Status(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}),
		},
		&cobra.Command{
			Use:   "stop <workflowID>",
			Short: "Stop every running plan of a workflow and forget its plans",
			Args:  cobra.ExactArgs(1),
			RunE: wo.with(func(ctx context.Context, _ *cobra.Command, svc *runplan.Service, args []string) error {
				return svc.Stop(ctx, args[0])
			}),
		},
	)
	return cmd
}

type serviceFunc func(ctx context.Context, cmd *cobra.Command, svc *runplan.Service, args []string) error

// with opens the configured bus and store, builds a run plan service
// publishing over the control bus and runs fn with it.
func (wo *workflowOptions) with(fn serviceFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Options{ConfigFile: wo.root.configFile, EnvFile: wo.root.envFile})
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx := cmd.Context()
		e := &engine{cfg: cfg, logger: logger}
		defer func() {
			if err := e.close(context.Background()); err != nil {
				logger.Warn("Failed to close workflow client", zap.Error(err))
			}
		}()
		svc, err := e.service(ctx, wo.definitions, cmd)
		if err != nil {
			return err
		}
		return fn(ctx, cmd, svc, args)
	}
}

// service builds a run plan service over the configured store that
// dispatches through the control bus.
func (e *engine) service(ctx context.Context, definitions string, cmd *cobra.Command) (*runplan.Service, error) {
	control, statusPublisher, err := e.openBus(ctx)
	if err != nil {
		return nil, err
	}
	reporter := status.NewReporter(statusPublisher, e.cfg.ReporterConfig(), e.logger.Named("status"))
	e.onClose(reporter.Close)

	processors, plans, err := e.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if definitions != "" {
		defs, err := readDefinitions(definitions, cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if err := processors.Save(ctx, def); err != nil {
				return nil, fmt.Errorf("failed to save processor %s: %w", def.ID, err)
			}
		}
	}
	dispatcher := runplan.NewBusDispatcher(control, e.cfg.Subjects())
	return runplan.NewService(processors, plans, dispatcher, reporter, e.logger.Named("runplan")), nil
}
