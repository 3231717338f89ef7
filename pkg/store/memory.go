package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
)

// Memory is an in-process ProcessorStore and RunPlanStore.
type Memory struct {
	mu         sync.RWMutex
	processors map[string]map[string]model.ProcessorDefinition
	plans      map[string]*model.RunPlan
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		processors: make(map[string]map[string]model.ProcessorDefinition),
		plans:      make(map[string]*model.RunPlan),
	}
}

// FindByWorkflow returns the definitions of a workflow sorted by phase and order.
func (m *Memory) FindByWorkflow(_ context.Context, workflowID string) ([]model.ProcessorDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	defs := make([]model.ProcessorDefinition, 0, len(m.processors[workflowID]))
	for _, def := range m.processors[workflowID] {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Phase != defs[j].Phase {
			return defs[i].Phase < defs[j].Phase
		}
		if defs[i].Order != defs[j].Order {
			return defs[i].Order < defs[j].Order
		}
		return defs[i].ID < defs[j].ID
	})
	return defs, nil
}

// Save upserts a processor definition.
func (m *Memory) Save(_ context.Context, def model.ProcessorDefinition) error {
	if def.ID == "" || def.FlowID == "" {
		return sdkerrors.NewValidationError("INVALID_PROCESSOR", "processor id and flow id are required", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processors[def.FlowID] == nil {
		m.processors[def.FlowID] = make(map[string]model.ProcessorDefinition)
	}
	m.processors[def.FlowID][def.ID] = def
	return nil
}

// Plans returns the run plan view of the store.
func (m *Memory) Plans() RunPlanStore {
	return (*memoryPlans)(m)
}

type memoryPlans Memory

func (m *memoryPlans) Save(_ context.Context, plan *model.RunPlan) error {
	if plan == nil || plan.ID == "" {
		return sdkerrors.NewValidationError("INVALID_RUN_PLAN", "run plan id is required", nil)
	}
	snap := plan.Snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[snap.ID] = snap
	return nil
}

func (m *memoryPlans) Get(_ context.Context, id string) (*model.RunPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("run plan %s: %w", id, sdkerrors.ErrRunPlanNotFound)
	}
	return plan.Snapshot(), nil
}

func (m *memoryPlans) LatestForWorkflow(_ context.Context, workflowID string) (*model.RunPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.RunPlan
	for _, plan := range m.plans {
		if plan.FlowID != workflowID {
			continue
		}
		if latest == nil || plan.UpdatedOn.After(latest.UpdatedOn) {
			latest = plan
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, sdkerrors.ErrRunPlanNotFound)
	}
	return latest.Snapshot(), nil
}

func (m *memoryPlans) DeleteForWorkflow(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, plan := range m.plans {
		if plan.FlowID == workflowID {
			delete(m.plans, id)
		}
	}
	return nil
}
