// Package store persists processor definitions and run plans.
package store

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/model"
)

// ProcessorStore reads and writes the processor definitions of workflows.
type ProcessorStore interface {
	FindByWorkflow(ctx context.Context, workflowID string) ([]model.ProcessorDefinition, error)
	Save(ctx context.Context, def model.ProcessorDefinition) error
}

// RunPlanStore persists run plan documents. Save upserts by plan id.
type RunPlanStore interface {
	Save(ctx context.Context, plan *model.RunPlan) error
	Get(ctx context.Context, id string) (*model.RunPlan, error)
	LatestForWorkflow(ctx context.Context, workflowID string) (*model.RunPlan, error)
	DeleteForWorkflow(ctx context.Context, workflowID string) error
}
