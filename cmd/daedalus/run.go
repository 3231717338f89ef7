package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/idempotent"
	"github.com/wehubfusion/Daedalus/pkg/ingest"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/runplan"
	"go.uber.org/zap"
)

// channelSources feeds every starting processor from an in-process channel.
type channelSources map[string]*ingest.Channel

func (c channelSources) Build(p model.ProcessorRunModel, _ idempotent.Repository) (ingest.Source, error) {
	ch := ingest.NewChannel()
	c[p.ID] = ch
	return ch, nil
}

// logEvents logs the status events a served plan would publish.
type logEvents struct {
	logger *zap.Logger
}

func (l logEvents) SendFailureMessage(msg model.RunPlanFailure) {
	l.logger.Warn("Processor failed",
		zap.String("processorID", msg.ProcessorID),
		zap.String("category", msg.Category),
		zap.String("error", msg.Message))
}

func (l logEvents) SendCollectionComplete(msg model.CollectionComplete) {
	l.logger.Info("Collection complete",
		zap.String("processorID", msg.ProcessorID),
		zap.String("location", msg.Location),
		zap.String("result", string(msg.Result)))
}

// runReport is printed once a local run finishes.
type runReport struct {
	Status model.RunPlanStatus  `json:"status"`
	Stages []pipeline.StageInfo `json:"stages"`
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		inputs  []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <definitions.json|->",
		Short: "Run a workflow once in-process over local input files",
		Long: "Generates the run plan of the definitions, replaces every starting processor\n" +
			"with an in-process channel and feeds each input file to it. The command waits\n" +
			"until every queued payload is processed and prints the plan status.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := readDefinitions(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, err := config.Load(config.Options{ConfigFile: opts.configFile, EnvFile: opts.envFile})
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			report, err := runLocal(ctx, cfg, logger, defs, inputs)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringSliceVarP(&inputs, "input", "i", nil, "input file fed to every starting processor, repeatable")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "time allowed for the run")
	return cmd
}

func runLocal(ctx context.Context, cfg *config.Config, logger *zap.Logger, defs []model.ProcessorDefinition, inputs []string) (*runReport, error) {
	workflowID := ""
	if len(defs) > 0 {
		workflowID = defs[0].FlowID
	}
	plan, err := runplan.NewGenerator(logger.Named("runplan")).Generate(workflowID, defs)
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, logger: logger}
	defer func() { _ = e.close(context.Background()) }()
	events := logEvents{logger: logger.Named("events")}
	units, _, err := e.units(ctx, events)
	if err != nil {
		return nil, err
	}

	sources := channelSources{}
	compiler := &pipeline.Compiler{
		Sources:      sources,
		Units:        units,
		Retry:        cfg.Retry,
		QueueSize:    cfg.Pipeline.QueueSize,
		StageWorkers: cfg.Pipeline.StageWorkers,
		Failures:     events,
		Logger:       logger.Named("pipeline"),
	}
	top, err := compiler.Compile(ctx, plan)
	if err != nil {
		return nil, err
	}
	plan.SetRunState(model.RunStateRunning)
	top.Start()
	defer top.Stop()

	for i, path := range inputs {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		item := ingest.Item{
			Key:     strconv.Itoa(i) + ":" + path,
			Name:    filepath.Base(path),
			Headers: map[string]string{ingest.HeaderFileName: filepath.Base(path), ingest.HeaderSource: path},
			Load:    ingest.Bytes(data),
		}
		for _, id := range plan.StartingProcessors {
			// a failed branch is dead-lettered and recorded on the plan
			if err := sources[id].Send(ctx, item); err != nil && ctx.Err() != nil {
				return nil, err
			}
		}
	}
	if err := top.WaitIdle(ctx); err != nil {
		return nil, fmt.Errorf("run did not finish: %w", err)
	}
	top.Stop()

	if plan.ErrorCount() > 0 {
		plan.SetRunState(model.RunStateFailed)
	} else {
		plan.SetRunState(model.RunStateCompleted)
	}
	logger.Info("Local run finished",
		zap.String("runPlanID", plan.ID),
		zap.Int("inputs", len(inputs)),
		zap.Int("errors", plan.ErrorCount()))
	return &runReport{Status: plan.Status(), Stages: top.Stages()}, nil
}
