package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
)

func TestMemory_FindByWorkflowSortsByPhaseAndOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Save(ctx, model.ProcessorDefinition{ID: "c", FlowID: "wf", Phase: 2, Order: 1}))
	require.NoError(t, m.Save(ctx, model.ProcessorDefinition{ID: "b", FlowID: "wf", Phase: 1, Order: 2}))
	require.NoError(t, m.Save(ctx, model.ProcessorDefinition{ID: "a", FlowID: "wf", Phase: 1, Order: 1}))
	require.NoError(t, m.Save(ctx, model.ProcessorDefinition{ID: "x", FlowID: "other"}))

	defs, err := m.FindByWorkflow(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "a", defs[0].ID)
	assert.Equal(t, "b", defs[1].ID)
	assert.Equal(t, "c", defs[2].ID)
}

func TestMemory_SaveRejectsMissingIDs(t *testing.T) {
	err := NewMemory().Save(context.Background(), model.ProcessorDefinition{ID: "a"})
	assert.True(t, sdkerrors.IsDefinition(err))
}

func TestMemoryPlans_LatestForWorkflow(t *testing.T) {
	ctx := context.Background()
	plans := NewMemory().Plans()

	base := time.Now().UTC()
	require.NoError(t, plans.Save(ctx, &model.RunPlan{ID: "old", FlowID: "wf", UpdatedOn: base}))
	require.NoError(t, plans.Save(ctx, &model.RunPlan{ID: "new", FlowID: "wf", UpdatedOn: base.Add(time.Minute)}))

	latest, err := plans.LatestForWorkflow(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, "new", latest.ID)

	_, err = plans.LatestForWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, sdkerrors.ErrRunPlanNotFound)
}

func TestMemoryPlans_SaveStoresSnapshot(t *testing.T) {
	ctx := context.Background()
	plans := NewMemory().Plans()

	plan := &model.RunPlan{ID: "p1", FlowID: "wf", RunState: model.RunStatePending}
	require.NoError(t, plans.Save(ctx, plan))

	plan.SetRunState(model.RunStateRunning)
	plan.AddError(model.RunError{ID: "e1", ProcessorID: "proc"})

	stored, err := plans.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatePending, stored.RunState)
	assert.Empty(t, stored.Errors)
}

func TestMemoryPlans_DeleteForWorkflow(t *testing.T) {
	ctx := context.Background()
	plans := NewMemory().Plans()

	require.NoError(t, plans.Save(ctx, &model.RunPlan{ID: "p1", FlowID: "wf"}))
	require.NoError(t, plans.Save(ctx, &model.RunPlan{ID: "p2", FlowID: "keep"}))
	require.NoError(t, plans.DeleteForWorkflow(ctx, "wf"))

	_, err := plans.Get(ctx, "p1")
	assert.ErrorIs(t, err, sdkerrors.ErrRunPlanNotFound)
	_, err = plans.Get(ctx, "p2")
	assert.NoError(t, err)
}
