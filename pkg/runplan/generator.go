package runplan

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"go.uber.org/zap"
)

// Generator turns the processor definitions of a workflow into a run plan.
// Edges come only from explicit PROCESSOR inputs; phase and order sort the
// plan for presentation and never create edges.
type Generator struct {
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewGenerator creates a generator. A nil logger disables logging.
func NewGenerator(logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Generate builds and validates the dependency graph for workflowID.
func (g *Generator) Generate(workflowID string, defs []model.ProcessorDefinition) (*model.RunPlan, error) {
	if len(defs) == 0 {
		return nil, definitionError("EMPTY_PLAN", fmt.Sprintf("workflow %s has no processors", workflowID), sdkerrors.ErrEmptyPlan)
	}

	processors := make(map[string]model.ProcessorRunModel, len(defs))
	for _, def := range defs {
		if _, dup := processors[def.ID]; dup {
			return nil, definitionError("DUPLICATE_PROCESSOR", fmt.Sprintf("processor %s is defined twice", def.ID), sdkerrors.ErrDuplicateProcessor)
		}
		processors[def.ID] = model.NewProcessorRunModel(def)
	}

	order := make([]string, 0, len(processors))
	for id := range processors {
		order = append(order, id)
	}
	sortByPhaseOrder(order, processors)
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	dependencies := make(map[string][]string)
	var edges []edge
	var starting []string

	for _, id := range order {
		proc := processors[id]
		upstream := proc.ProcessorInputs()

		if proc.Type == model.ProcessorIngest && len(upstream) == 0 {
			switch {
			case len(proc.Inputs) > 1:
				return nil, definitionError("MULTIPLE_INPUTS",
					fmt.Sprintf("starting processor %s declares %d inputs", id, len(proc.Inputs)), sdkerrors.ErrMultipleInputs)
			case len(proc.Inputs) == 0:
				return nil, definitionError("MISSING_INPUT",
					fmt.Sprintf("starting processor %s declares no input", id), sdkerrors.ErrMissingInput)
			}
			starting = append(starting, id)
		}

		seen := make(map[string]bool, len(upstream))
		for _, parent := range upstream {
			if _, ok := processors[parent]; !ok {
				return nil, definitionError("UNKNOWN_PROCESSOR",
					fmt.Sprintf("processor %s references unknown input %s", id, parent), sdkerrors.ErrUnknownProcessor)
			}
			if seen[parent] {
				continue
			}
			seen[parent] = true
			dependencies[parent] = append(dependencies[parent], id)
			edges = append(edges, edge{from: parent, to: id})
		}
	}

	if _, err := levels(order, edges); err != nil {
		return nil, definitionError("CYCLE", fmt.Sprintf("workflow %s", workflowID), err)
	}
	if len(starting) == 0 {
		return nil, definitionError("NO_STARTING_PROCESSOR",
			fmt.Sprintf("workflow %s has no ingest processor reading an external source", workflowID), sdkerrors.ErrNoStartingProcessor)
	}

	for parent := range dependencies {
		deps := dependencies[parent]
		sort.SliceStable(deps, func(i, j int) bool { return rank[deps[i]] < rank[deps[j]] })
	}

	now := g.now()
	plan := &model.RunPlan{
		ID:                     g.newID(),
		FlowID:                 workflowID,
		Processors:             processors,
		ProcessorOrder:         order,
		StartingProcessors:     starting,
		ProcessorDependencyMap: dependencies,
		RunState:               model.RunStatePending,
		Errors:                 make(map[string]model.RunError),
		CreatedOn:              now,
		UpdatedOn:              now,
	}

	g.logger.Info("Generated run plan",
		zap.String("runPlanID", plan.ID),
		zap.String("workflowID", workflowID),
		zap.Int("processors", len(processors)),
		zap.Strings("startingProcessors", starting))

	return plan, nil
}

func sortByPhaseOrder(ids []string, processors map[string]model.ProcessorRunModel) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := processors[ids[i]], processors[ids[j]]
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
}

func definitionError(code, message string, err error) error {
	return sdkerrors.NewDefinitionError(code, message, err)
}
