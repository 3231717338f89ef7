// Package pipeline compiles run plans into running topologies.
//
// Every starting processor gets a source stage. Its output is handed to its
// dependents directly, on the source goroutine, or through a fan-out when there
// are several. Every other stage hands its output to its dependents through
// bounded queues served by their own workers. A processor reachable over
// several edges is compiled once per edge.
package pipeline

import (
	"context"
	"fmt"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/idempotent"
	"github.com/wehubfusion/Daedalus/pkg/ingest"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/processors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// SourceFactory builds the source of a starting processor.
type SourceFactory interface {
	Build(p model.ProcessorRunModel, dedup idempotent.Repository) (ingest.Source, error)
}

// UnitFactory builds the unit of a non-starting processor.
type UnitFactory interface {
	Build(p model.ProcessorRunModel) (processors.Unit, error)
}

// Compiler turns run plans into topologies.
type Compiler struct {
	Sources      SourceFactory
	Units        UnitFactory
	Retry        RetryConfig
	QueueSize    int
	StageWorkers int
	// Dedup is shared by every plan; keys are namespaced by run plan id.
	Dedup      idempotent.Repository
	Plans      PlanSaver
	Failures   FailureReporter
	Hook       ErrorHook
	Completion CompletionHandler
	Logger     *zap.Logger
}

// Compile builds the topology of plan without starting it.
// Definition errors are returned and nothing runs.
func (c *Compiler) Compile(ctx context.Context, plan *model.RunPlan) (*Topology, error) {
	if c.Sources == nil || c.Units == nil {
		return nil, sdkerrors.NewInternalError("COMPILER_NOT_CONFIGURED", "compiler needs source and unit factories", nil)
	}
	if len(plan.StartingProcessors) == 0 {
		return nil, definitionError("NO_STARTING_PROCESSOR",
			fmt.Sprintf("run plan %s has no starting processor", plan.ID), sdkerrors.ErrNoStartingProcessor)
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_plan_id", plan.ID), zap.String("workflow_id", plan.FlowID))

	dedup := c.Dedup
	if dedup == nil {
		dedup = idempotent.NewMemory(0, 0)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Topology{
		plan:        plan,
		terminals:   make(map[string]struct{}),
		deadLetter:  NewDeadLetter(plan, c.Plans, c.Failures, c.Hook, logger),
		completion:  c.Completion,
		tracer:      otel.Tracer("daedalus/pipeline"),
		logger:      logger,
		ctx:         runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		completions: make(map[string]int64),
	}

	planDedup := idempotent.Scoped(dedup, plan.ID)
	for _, id := range plan.StartingProcessors {
		if err := c.compileStart(t, id, planDedup); err != nil {
			cancel()
			return nil, err
		}
	}

	logger.Info("Compiled run plan",
		zap.Int("sources", len(t.sources)),
		zap.Int("stages", len(t.stages)),
		zap.Int("queues", len(t.queues)))
	return t, nil
}

func (c *Compiler) compileStart(t *Topology, id string, dedup idempotent.Repository) error {
	p, ok := t.plan.Processor(id)
	if !ok {
		return definitionError("UNKNOWN_PROCESSOR",
			fmt.Sprintf("starting processor %s is not part of the plan", id), sdkerrors.ErrUnknownProcessor)
	}
	if p.Type != model.ProcessorIngest {
		return definitionError("UNSUPPORTED_PROCESSOR_TYPE",
			fmt.Sprintf("starting processor %s has type %q, only INGEST can start a branch", id, p.Type),
			sdkerrors.ErrUnsupportedProcessorType)
	}
	src, err := c.Sources.Build(p, dedup)
	if err != nil {
		return err
	}

	deps := t.plan.Dependents(id)
	if len(deps) == 0 {
		return definitionError("NO_OUTPUT",
			fmt.Sprintf("starting processor %s has no dependents", id), sdkerrors.ErrNoOutput)
	}

	s := &sourceStage{
		stage: stage{
			info: StageInfo{
				ProcessorID: id,
				Type:        p.Type,
				Starting:    true,
				Policy:      c.Retry.For(p.Type, true),
			},
			topology: t,
		},
		source: src,
	}
	next, err := c.wire(t, id, deps, true, map[string]bool{id: true})
	if err != nil {
		return err
	}
	s.next = next
	t.sources = append(t.sources, s)
	return nil
}

// wire builds one stage per dependent and joins them with the right hand-off.
func (c *Compiler) wire(t *Topology, from string, deps []string, isDirect bool, path map[string]bool) (handoff, error) {
	targets := make([]handoff, 0, len(deps))
	for _, dep := range deps {
		if path[dep] {
			return nil, definitionError("CYCLE",
				fmt.Sprintf("processor %s is reachable from itself", dep), sdkerrors.ErrCycle)
		}
		st, err := c.compileStage(t, from, dep, path)
		if err != nil {
			return nil, err
		}
		if isDirect {
			targets = append(targets, &direct{target: st})
			continue
		}
		q := newQueued(st, c.QueueSize, c.StageWorkers, t.logger)
		t.queues = append(t.queues, q)
		targets = append(targets, q)
	}
	if len(targets) == 1 {
		return targets[0], nil
	}
	return &fanOut{targets: targets}, nil
}

func (c *Compiler) compileStage(t *Topology, from, id string, path map[string]bool) (*stage, error) {
	p, ok := t.plan.Processor(id)
	if !ok {
		return nil, definitionError("UNKNOWN_PROCESSOR",
			fmt.Sprintf("processor %s feeds unknown processor %s", from, id), sdkerrors.ErrUnknownProcessor)
	}
	unit, err := c.Units.Build(p)
	if err != nil {
		return nil, err
	}

	st := &stage{
		info: StageInfo{
			ProcessorID: id,
			Type:        p.Type,
			Upstream:    from,
			Policy:      c.Retry.For(p.Type, false),
		},
		unit:     unit,
		topology: t,
	}
	t.stages = append(t.stages, st)

	deps := t.plan.Dependents(id)
	if len(deps) == 0 {
		st.info.Terminal = true
		t.terminals[id] = struct{}{}
		return st, nil
	}

	path[id] = true
	defer delete(path, id)
	next, err := c.wire(t, id, deps, false, path)
	if err != nil {
		return nil, err
	}
	st.next = next
	return st, nil
}

func definitionError(code, message string, err error) error {
	return sdkerrors.NewDefinitionError(code, message, err)
}
