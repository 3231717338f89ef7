package control

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/bus"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/ingest"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/processors"
	"github.com/wehubfusion/Daedalus/pkg/runplan"
	"github.com/wehubfusion/Daedalus/pkg/script"
	"github.com/wehubfusion/Daedalus/pkg/script/strings"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"go.uber.org/zap"
)

type notifier struct {
	mu       sync.Mutex
	failures []string
	closed   bool
}

func (n *notifier) SendStartRunPlanFailureMessage(runPlanID, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, runPlanID+": "+reason)
}

func (n *notifier) Close(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *notifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.failures)
}

type fixture struct {
	manager  *Manager
	store    *store.Memory
	plans    store.RunPlanStore
	notifier *notifier
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := script.NewRegistry()
	registry.Register(model.LanguageStrings, strings.NewExecutor())

	compiler := &pipeline.Compiler{
		Sources: &ingest.Factory{FileCheckInterval: 10 * time.Millisecond},
		Units:   &processors.Factory{Scripts: registry},
		Logger:  zap.NewNop(),
	}
	mem := store.NewMemory()
	n := &notifier{}
	f := &fixture{
		manager:  NewManager(compiler, mem, mem.Plans(), n, zap.NewNop()),
		store:    mem,
		plans:    mem.Plans(),
		notifier: n,
		dir:      t.TempDir(),
	}
	t.Cleanup(func() { _ = f.manager.Close(context.Background()) })
	return f
}

func (f *fixture) definitions(workflowID string) []model.ProcessorDefinition {
	return []model.ProcessorDefinition{
		{
			ID: "fileIn", FlowID: workflowID, Type: model.ProcessorIngest,
			Inputs: []model.SourceModel{{SourceType: model.SourceFileDrop, SourceLocation: f.dir}},
		},
		{
			ID: "upper", FlowID: workflowID, Type: model.ProcessorScript, Phase: 1,
			Inputs:     []model.SourceModel{{SourceType: model.SourceProcessor, SourceLocation: "fileIn"}},
			Properties: map[string]any{"language": "STRINGS", "code": "upper"},
		},
	}
}

func (f *fixture) plan(t *testing.T, workflowID string) *model.RunPlan {
	t.Helper()
	plan, err := runplan.NewGenerator(nil).Generate(workflowID, f.definitions(workflowID))
	require.NoError(t, err)
	return plan
}

func (f *fixture) persisted(t *testing.T, id string) *model.RunPlan {
	t.Helper()
	plan, err := f.plans.Get(context.Background(), id)
	require.NoError(t, err)
	return plan
}

func TestManager_StartPersistsRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.plan(t, "wf")

	require.NoError(t, f.manager.Start(ctx, plan))
	require.NoError(t, f.manager.Start(ctx, plan), "starting a running plan is a no-op")

	assert.Equal(t, []string{plan.ID}, f.manager.Running())
	assert.Equal(t, model.RunStateRunning, f.persisted(t, plan.ID).RunState)

	status, err := f.manager.Status(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, status.RunState)
}

func TestManager_StartDefinitionErrorFailsPlan(t *testing.T) {
	f := newFixture(t)
	defs := f.definitions("wf")
	defs[1].Type = model.ProcessorExternal
	plan, err := runplan.NewGenerator(nil).Generate("wf", defs)
	require.NoError(t, err)

	err = f.manager.Start(context.Background(), plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrMissingServiceName)

	assert.Empty(t, f.manager.Running())
	stored := f.persisted(t, plan.ID)
	assert.Equal(t, model.RunStateFailed, stored.RunState)
	require.Len(t, stored.Errors, 1)
	for _, e := range stored.Errors {
		assert.Equal(t, string(sdkerrors.CategoryDefinition), e.Category)
	}
	assert.Equal(t, 1, f.notifier.count())
}

func TestManager_StopCompletedWhenEveryBranchDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.plan(t, "wf")
	require.NoError(t, f.manager.Start(ctx, plan))

	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "in.txt"), []byte("hello"), 0o644))
	top, ok := f.manager.Topology(plan.ID)
	require.True(t, ok)
	require.Eventually(t, top.BranchesCompleted, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.manager.Stop(ctx, plan.ID))
	assert.Empty(t, f.manager.Running())
	assert.Equal(t, model.RunStateCompleted, f.persisted(t, plan.ID).RunState)
}

func TestManager_StopWithoutDeliveryIsStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.plan(t, "wf")
	require.NoError(t, f.manager.Start(ctx, plan))

	require.NoError(t, f.manager.StopWorkflow(ctx, "wf"))
	assert.Equal(t, model.RunStateStopped, f.persisted(t, plan.ID).RunState)

	require.NoError(t, f.manager.Stop(ctx, plan.ID), "stopping a stopped plan is a no-op")
	require.NoError(t, f.manager.Stop(ctx, "missing"))
}

func TestManager_StartWorkflowGeneratesPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, def := range f.definitions("wf") {
		require.NoError(t, f.store.Save(ctx, def))
	}

	plan, err := f.manager.StartWorkflow(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, []string{plan.ID}, f.manager.Running())

	latest, err := f.plans.LatestForWorkflow(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, plan.ID, latest.ID)

	_, err = f.manager.StartWorkflow(ctx, "unknown")
	assert.ErrorIs(t, err, sdkerrors.ErrEmptyPlan)
	assert.Equal(t, 1, f.notifier.count())
}

func TestManager_DispatcherRunsLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, def := range f.definitions("wf") {
		require.NoError(t, f.store.Save(ctx, def))
	}
	svc := runplan.NewService(f.store, f.plans, f.manager.Dispatcher(), f.notifier, zap.NewNop())

	plan, err := svc.Dispatch(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, []string{plan.ID}, f.manager.Running())

	require.NoError(t, svc.Stop(ctx, "wf"))
	assert.Empty(t, f.manager.Running())
}

func TestManager_Listen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, def := range f.definitions("wf") {
		require.NoError(t, f.store.Save(ctx, def))
	}
	b := bus.NewMemory()
	subjects := bus.NewSubjects("test")
	require.NoError(t, f.manager.Listen(ctx, b, subjects))

	publish := func(subject string, v any) {
		data, err := model.Encode(v)
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, subject, data))
	}

	publish(subjects.WorkflowStart(), model.StartWorkflow{WorkflowID: "wf"})
	require.Eventually(t, func() bool { return len(f.manager.Running()) == 1 }, time.Second, 5*time.Millisecond)

	publish(subjects.WorkflowStop(), model.StopWorkflow{WorkflowID: "wf"})
	require.Eventually(t, func() bool { return len(f.manager.Running()) == 0 }, time.Second, 5*time.Millisecond)

	other := f.plan(t, "other")
	publish(subjects.RunPlanStart(), other.CreateStartMessage())
	require.Eventually(t, func() bool {
		_, ok := f.manager.Topology(other.ID)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(ctx, subjects.WorkflowStart(), []byte("not json")))
	publish(subjects.WorkflowStop(), model.StopWorkflow{ID: other.ID})
	require.Eventually(t, func() bool { return len(f.manager.Running()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_Close(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.plan(t, "a")
	b := f.plan(t, "b")
	require.NoError(t, f.manager.Start(ctx, a))
	require.NoError(t, f.manager.Start(ctx, b))

	require.NoError(t, f.manager.Close(ctx))
	require.NoError(t, f.manager.Close(ctx))

	assert.Empty(t, f.manager.Running())
	assert.True(t, f.notifier.closed)
	assert.Equal(t, model.RunStateStopped, f.persisted(t, a.ID).RunState)
	assert.Equal(t, model.RunStateStopped, f.persisted(t, b.ID).RunState)
	assert.Error(t, f.manager.Start(ctx, f.plan(t, "c")))
}

// unsavable rejects every run plan write.
type unsavable struct {
	store.RunPlanStore
}

func (unsavable) Save(context.Context, *model.RunPlan) error {
	return sdkerrors.NewTransportError("STORE_DOWN", "store unavailable", nil)
}

// recordingCompiler keeps every topology it compiles.
type recordingCompiler struct {
	Compiler
	mu   sync.Mutex
	tops []*pipeline.Topology
}

func (c *recordingCompiler) Compile(ctx context.Context, plan *model.RunPlan) (*pipeline.Topology, error) {
	top, err := c.Compiler.Compile(ctx, plan)
	if top != nil {
		c.mu.Lock()
		c.tops = append(c.tops, top)
		c.mu.Unlock()
	}
	return top, err
}

func TestManager_StartStopsTopologyWhenPersistFails(t *testing.T) {
	f := newFixture(t)
	compiler := &recordingCompiler{Compiler: f.manager.compiler}
	m := NewManager(compiler, f.store, unsavable{f.plans}, f.notifier, zap.NewNop())
	plan := f.plan(t, "wf")

	err := m.Start(context.Background(), plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to persist run plan")
	assert.Empty(t, m.Running())
	assert.Equal(t, model.RunStatePending, plan.State())

	require.Len(t, compiler.tops, 1)
	select {
	case <-compiler.tops[0].Done():
	case <-time.After(time.Second):
		t.Fatal("compiled topology was not stopped")
	}

	// the plan is no longer marked as starting
	m.plans = f.plans
	require.NoError(t, m.Start(context.Background(), plan))
	assert.Equal(t, []string{plan.ID}, m.Running())
	require.NoError(t, m.Close(context.Background()))
}
