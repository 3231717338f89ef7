package runplan

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/bus"
	"github.com/wehubfusion/Daedalus/pkg/model"
)

// BusDispatcher publishes plans and stop commands for a remote engine.
type BusDispatcher struct {
	publisher bus.Publisher
	subjects  bus.Subjects
}

// NewBusDispatcher creates a dispatcher publishing under subjects.
func NewBusDispatcher(publisher bus.Publisher, subjects bus.Subjects) *BusDispatcher {
	return &BusDispatcher{publisher: publisher, subjects: subjects}
}

// Dispatch publishes a StartRunPlan message.
func (d *BusDispatcher) Dispatch(ctx context.Context, plan *model.RunPlan) error {
	data, err := model.Encode(plan.CreateStartMessage())
	if err != nil {
		return fmt.Errorf("failed to encode start message: %w", err)
	}
	return d.publisher.Publish(ctx, d.subjects.RunPlanStart(), data)
}

// Stop publishes a StopWorkflow message for every plan of workflowID.
func (d *BusDispatcher) Stop(ctx context.Context, workflowID string) error {
	data, err := model.Encode(model.StopWorkflow{WorkflowID: workflowID})
	if err != nil {
		return fmt.Errorf("failed to encode stop message: %w", err)
	}
	return d.publisher.Publish(ctx, d.subjects.WorkflowStop(), data)
}
