// Package control runs compiled run plans and reacts to control messages.
//
// A Manager keeps one running topology per run plan id. Plans are started
// from a StartRunPlan message, a StartWorkflow message or a direct call, and
// torn down by StopWorkflow or Close.
package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/bus"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/runplan"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"go.uber.org/zap"
)

// Compiler builds topologies from run plans.
type Compiler interface {
	Compile(ctx context.Context, plan *model.RunPlan) (*pipeline.Topology, error)
}

// Manager is the registry of running topologies.
type Manager struct {
	compiler   Compiler
	processors store.ProcessorStore
	plans      store.RunPlanStore
	generator  *runplan.Generator
	notifier   runplan.StartFailureNotifier
	logger     *zap.Logger

	mu       sync.Mutex
	running  map[string]*pipeline.Topology
	starting map[string]struct{}
	subs     []bus.Subscription
	closed   bool
}

// NewManager creates a manager. notifier may be nil.
func NewManager(compiler Compiler, processors store.ProcessorStore, plans store.RunPlanStore, notifier runplan.StartFailureNotifier, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		compiler:   compiler,
		processors: processors,
		plans:      plans,
		generator:  runplan.NewGenerator(logger),
		notifier:   notifier,
		logger:     logger,
		running:    make(map[string]*pipeline.Topology),
		starting:   make(map[string]struct{}),
	}
}

// Start compiles and starts plan and persists it as RUNNING.
// A plan that fails to compile is persisted as FAILED, reported as a start
// failure and its error returned. Starting a running plan does nothing.
func (m *Manager) Start(ctx context.Context, plan *model.RunPlan) error {
	if plan == nil {
		return sdkerrors.NewValidationError("INVALID_RUN_PLAN", "run plan cannot be nil", sdkerrors.ErrInvalidMessage)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errManagerClosed()
	}
	if _, ok := m.running[plan.ID]; ok {
		m.mu.Unlock()
		m.logger.Debug("Run plan already running", zap.String("runPlanID", plan.ID))
		return nil
	}
	if _, ok := m.starting[plan.ID]; ok {
		m.mu.Unlock()
		m.logger.Debug("Run plan already starting", zap.String("runPlanID", plan.ID))
		return nil
	}
	m.starting[plan.ID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, plan.ID)
		m.mu.Unlock()
	}()

	top, err := m.compiler.Compile(ctx, plan)
	if err != nil {
		m.failStart(ctx, plan, err)
		return err
	}

	prev := plan.State()
	plan.SetRunState(model.RunStateRunning)
	if err := m.plans.Save(ctx, plan); err != nil {
		top.Stop()
		plan.SetRunState(prev)
		return fmt.Errorf("failed to persist run plan %s: %w", plan.ID, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		top.Stop()
		return errManagerClosed()
	}
	top.Start()
	m.running[plan.ID] = top
	m.mu.Unlock()

	m.logger.Info("Started run plan",
		zap.String("runPlanID", plan.ID),
		zap.String("workflowID", plan.FlowID),
		zap.Int("stages", len(top.Stages())))
	return nil
}

func errManagerClosed() error {
	return sdkerrors.NewInternalError("MANAGER_CLOSED", "control manager is closed", nil)
}

func (m *Manager) failStart(ctx context.Context, plan *model.RunPlan, err error) {
	plan.AddError(model.RunError{
		ID:        uuid.NewString(),
		Category:  string(sdkerrors.CategoryOf(err)),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
	plan.SetRunState(model.RunStateFailed)
	if saveErr := m.plans.Save(context.WithoutCancel(ctx), plan); saveErr != nil {
		m.logger.Error("Failed to persist failed run plan",
			zap.String("runPlanID", plan.ID),
			zap.Error(saveErr))
	}
	if m.notifier != nil {
		m.notifier.SendStartRunPlanFailureMessage(plan.ID, err.Error())
	}
	m.logger.Error("Failed to start run plan",
		zap.String("runPlanID", plan.ID),
		zap.String("workflowID", plan.FlowID),
		zap.Error(err))
}

// StartWorkflow starts the latest plan of workflowID, generating one if none exists.
func (m *Manager) StartWorkflow(ctx context.Context, workflowID string) (*model.RunPlan, error) {
	plan, err := m.plans.LatestForWorkflow(ctx, workflowID)
	if errors.Is(err, sdkerrors.ErrRunPlanNotFound) {
		plan, err = m.generate(ctx, workflowID)
	}
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx, plan); err != nil {
		return plan, err
	}
	return plan, nil
}

func (m *Manager) generate(ctx context.Context, workflowID string) (*model.RunPlan, error) {
	defs, err := m.processors.FindByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load processors of workflow %s: %w", workflowID, err)
	}
	plan, err := m.generator.Generate(workflowID, defs)
	if err != nil {
		if sdkerrors.IsDefinition(err) && m.notifier != nil {
			m.notifier.SendStartRunPlanFailureMessage("", fmt.Sprintf("workflow %s: %v", workflowID, err))
		}
		return nil, err
	}
	if err := m.plans.Save(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to persist run plan %s: %w", plan.ID, err)
	}
	return plan, nil
}

// Stop tears down the topology of runPlanID. The plan ends COMPLETED when every
// branch delivered and nothing failed, STOPPED otherwise. Stopping a plan that
// is not running does nothing.
func (m *Manager) Stop(ctx context.Context, runPlanID string) error {
	m.mu.Lock()
	top, ok := m.running[runPlanID]
	delete(m.running, runPlanID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.teardown(ctx, top)
}

// StopWorkflow stops every running plan of workflowID.
func (m *Manager) StopWorkflow(ctx context.Context, workflowID string) error {
	m.mu.Lock()
	var tops []*pipeline.Topology
	for id, top := range m.running {
		if top.Plan().FlowID == workflowID {
			tops = append(tops, top)
			delete(m.running, id)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, top := range tops {
		if err := m.teardown(ctx, top); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) teardown(ctx context.Context, top *pipeline.Topology) error {
	top.Stop()

	plan := top.Plan()
	state := model.RunStateStopped
	if top.BranchesCompleted() && plan.ErrorCount() == 0 {
		state = model.RunStateCompleted
	}
	plan.SetRunState(state)
	if err := m.plans.Save(context.WithoutCancel(ctx), plan); err != nil {
		return fmt.Errorf("failed to persist run plan %s: %w", plan.ID, err)
	}
	m.logger.Info("Stopped run plan",
		zap.String("runPlanID", plan.ID),
		zap.String("workflowID", plan.FlowID),
		zap.String("state", string(state)),
		zap.Int("errors", plan.ErrorCount()))
	return nil
}

// Running returns the ids of the running plans, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Topology returns the running topology of runPlanID.
func (m *Manager) Topology(runPlanID string) (*pipeline.Topology, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	top, ok := m.running[runPlanID]
	return top, ok
}

// Status returns the state of the running plan of workflowID, or of its
// latest persisted plan when none is running.
func (m *Manager) Status(ctx context.Context, workflowID string) (model.RunPlanStatus, error) {
	m.mu.Lock()
	for _, top := range m.running {
		if top.Plan().FlowID == workflowID {
			m.mu.Unlock()
			return top.Plan().Status(), nil
		}
	}
	m.mu.Unlock()

	plan, err := m.plans.LatestForWorkflow(ctx, workflowID)
	if err != nil {
		return model.RunPlanStatus{}, err
	}
	return plan.Status(), nil
}

// Dispatcher returns a runplan.Dispatcher that runs plans in this process.
func (m *Manager) Dispatcher() runplan.Dispatcher {
	return localDispatcher{m}
}

type localDispatcher struct {
	m *Manager
}

func (d localDispatcher) Dispatch(ctx context.Context, plan *model.RunPlan) error {
	return d.m.Start(ctx, plan)
}

func (d localDispatcher) Stop(ctx context.Context, workflowID string) error {
	return d.m.StopWorkflow(ctx, workflowID)
}

// Close unsubscribes, stops every running plan and closes the notifier when it
// holds resources.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	tops := make([]*pipeline.Topology, 0, len(m.running))
	for _, top := range m.running {
		tops = append(tops, top)
	}
	m.running = make(map[string]*pipeline.Topology)
	m.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, top := range tops {
		if err := m.teardown(ctx, top); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := m.notifier.(interface{ Close(context.Context) error }); ok {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("Control manager closed", zap.Int("stopped", len(tops)))
	return errors.Join(errs...)
}
