package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"go.uber.org/zap"
)

// PlanSaver persists a run plan after it recorded an error.
type PlanSaver interface {
	Save(ctx context.Context, plan *model.RunPlan) error
}

// FailureReporter publishes run plan failures.
type FailureReporter interface {
	SendFailureMessage(msg model.RunPlanFailure)
}

// ErrorHook is called for every dead-lettered failure, for example to report it to Sentry.
type ErrorHook func(ctx context.Context, entry Entry)

// Entry is one dead-lettered failure.
type Entry struct {
	RunPlanID   string
	ProcessorID string
	Category    sdkerrors.Category
	Err         error
	Exchange    *Exchange
	Timestamp   time.Time
}

// DeadLetter receives the terminal failures of every stage of one run plan.
// It records each failure on the plan, persists the plan, emits a
// RunPlanFailure and keeps the entry.
type DeadLetter struct {
	plan     *model.RunPlan
	saver    PlanSaver
	reporter FailureReporter
	hook     ErrorHook
	logger   *zap.Logger

	mu      sync.Mutex
	entries []Entry
}

// NewDeadLetter creates the dead-letter path of plan. saver, reporter and hook are optional.
func NewDeadLetter(plan *model.RunPlan, saver PlanSaver, reporter FailureReporter, hook ErrorHook, logger *zap.Logger) *DeadLetter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetter{
		plan:     plan,
		saver:    saver,
		reporter: reporter,
		hook:     hook,
		logger:   logger.With(zap.String("run_plan_id", plan.ID)),
	}
}

// Handle records a terminal failure of processorID.
func (d *DeadLetter) Handle(ctx context.Context, processorID string, ex *Exchange, err error) {
	now := time.Now().UTC()
	category := sdkerrors.CategoryOf(err)
	entry := Entry{
		RunPlanID:   d.plan.ID,
		ProcessorID: processorID,
		Category:    category,
		Err:         err,
		Timestamp:   now,
	}
	if ex != nil {
		entry.Exchange = ex.Copy()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.plan.AddError(model.RunError{
		ID:          uuid.NewString(),
		ProcessorID: processorID,
		Category:    string(category),
		Message:     err.Error(),
		Timestamp:   now,
	})
	if d.saver != nil {
		if saveErr := d.saver.Save(context.WithoutCancel(ctx), d.plan); saveErr != nil {
			d.logger.Error("Failed to persist run plan error", zap.Error(saveErr))
		}
	}
	if d.reporter != nil {
		d.reporter.SendFailureMessage(model.RunPlanFailure{
			RunPlanID:   d.plan.ID,
			ProcessorID: processorID,
			Category:    string(category),
			Message:     err.Error(),
			Timestamp:   now,
		})
	}
	d.logger.Error("Stage failed, routed to dead letter",
		zap.String("processor_id", processorID),
		zap.String("category", string(category)),
		zap.Error(err))
	if d.hook != nil {
		d.hook(ctx, entry)
	}
	d.entries = append(d.entries, entry)
}

// Entries returns the dead-lettered failures in arrival order.
func (d *DeadLetter) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Entry(nil), d.entries...)
}
