package model

import (
	"sort"
	"sync"
	"time"
)

// RunState is the lifecycle state of a run plan.
type RunState string

const (
	RunStatePending   RunState = "PENDING"
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
	RunStateStopped   RunState = "STOPPED"
)

// RunError is a failure recorded against a processor of a run plan.
type RunError struct {
	ID          string    `json:"id"`
	ProcessorID string    `json:"processorId"`
	Category    string    `json:"category"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// RunPlan is the generated dependency graph of one workflow dispatch.
// Only the run state and the error map change after generation.
type RunPlan struct {
	ID                     string                       `json:"id"`
	FlowID                 string                       `json:"flowId"`
	Processors             map[string]ProcessorRunModel `json:"processors"`
	ProcessorOrder         []string                     `json:"processorOrder"`
	StartingProcessors     []string                     `json:"startingProcessors"`
	ProcessorDependencyMap map[string][]string          `json:"processorDependencyMap"`
	RunState               RunState                     `json:"runState"`
	Errors                 map[string]RunError          `json:"errors"`
	CreatedOn              time.Time                    `json:"createdOn"`
	UpdatedOn              time.Time                    `json:"updatedOn"`

	mu sync.RWMutex
}

// Processor returns the run model with the given id.
func (p *RunPlan) Processor(id string) (ProcessorRunModel, bool) {
	proc, ok := p.Processors[id]
	return proc, ok
}

// Dependents returns the processors consuming the output of id.
func (p *RunPlan) Dependents(id string) []string {
	return p.ProcessorDependencyMap[id]
}

// AddError appends a run error. Safe for concurrent callers.
func (p *RunPlan) AddError(e RunError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Errors == nil {
		p.Errors = make(map[string]RunError)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	p.Errors[e.ID] = e
	p.UpdatedOn = time.Now().UTC()
}

// SetRunState transitions the plan to s.
func (p *RunPlan) SetRunState(s RunState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RunState = s
	p.UpdatedOn = time.Now().UTC()
}

// State returns the current run state.
func (p *RunPlan) State() RunState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.RunState
}

// ErrorCount returns the number of recorded run errors.
func (p *RunPlan) ErrorCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.Errors)
}

// Snapshot returns a deep copy suitable for persistence.
func (p *RunPlan) Snapshot() *RunPlan {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := &RunPlan{
		ID:                     p.ID,
		FlowID:                 p.FlowID,
		Processors:             make(map[string]ProcessorRunModel, len(p.Processors)),
		ProcessorOrder:         append([]string(nil), p.ProcessorOrder...),
		StartingProcessors:     append([]string(nil), p.StartingProcessors...),
		ProcessorDependencyMap: make(map[string][]string, len(p.ProcessorDependencyMap)),
		RunState:               p.RunState,
		Errors:                 make(map[string]RunError, len(p.Errors)),
		CreatedOn:              p.CreatedOn,
		UpdatedOn:              p.UpdatedOn,
	}
	for id, proc := range p.Processors {
		out.Processors[id] = proc.clone()
	}
	for id, deps := range p.ProcessorDependencyMap {
		out.ProcessorDependencyMap[id] = append([]string(nil), deps...)
	}
	for id, e := range p.Errors {
		out.Errors[id] = e
	}
	return out
}

// Status groups the recorded errors by processor id.
func (p *RunPlan) Status() RunPlanStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	byProcessor := make(map[string][]RunError)
	for _, e := range p.Errors {
		byProcessor[e.ProcessorID] = append(byProcessor[e.ProcessorID], e)
	}
	for id := range byProcessor {
		errs := byProcessor[id]
		sort.Slice(errs, func(i, j int) bool { return errs[i].Timestamp.Before(errs[j].Timestamp) })
	}
	return RunPlanStatus{
		ID:              p.ID,
		FlowID:          p.FlowID,
		RunState:        p.RunState,
		ProcessorErrors: byProcessor,
	}
}

// CreateStartMessage wraps a snapshot of the plan for redispatch over the bus.
func (p *RunPlan) CreateStartMessage() StartRunPlan {
	return StartRunPlan{RunPlan: p.Snapshot()}
}

// RunPlanStatus is the user-visible status of a run plan.
type RunPlanStatus struct {
	ID              string                `json:"id"`
	FlowID          string                `json:"flowId"`
	RunState        RunState              `json:"runState"`
	ProcessorErrors map[string][]RunError `json:"processorErrors"`
}
