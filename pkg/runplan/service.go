package runplan

import (
	"context"
	"errors"
	"fmt"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"go.uber.org/zap"
)

// Dispatcher hands a persisted plan to whatever runs it.
type Dispatcher interface {
	Dispatch(ctx context.Context, plan *model.RunPlan) error
	Stop(ctx context.Context, workflowID string) error
}

// StartFailureNotifier reports plans that could not be started.
type StartFailureNotifier interface {
	SendStartRunPlanFailureMessage(runPlanID, reason string)
}

// Service generates, persists and dispatches run plans.
type Service struct {
	generator  *Generator
	processors store.ProcessorStore
	plans      store.RunPlanStore
	dispatcher Dispatcher
	notifier   StartFailureNotifier
	logger     *zap.Logger
}

// NewService wires a run plan service. notifier may be nil.
func NewService(processors store.ProcessorStore, plans store.RunPlanStore, dispatcher Dispatcher, notifier StartFailureNotifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		generator:  NewGenerator(logger),
		processors: processors,
		plans:      plans,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger,
	}
}

// GenerateForWorkflow loads the definitions of workflowID and generates a plan.
func (s *Service) GenerateForWorkflow(ctx context.Context, workflowID string) (*model.RunPlan, error) {
	defs, err := s.processors.FindByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load processors of workflow %s: %w", workflowID, err)
	}
	return s.generator.Generate(workflowID, defs)
}

// Dispatch generates, persists and dispatches a new plan for workflowID.
// A definition error is reported as a start failure and returned.
func (s *Service) Dispatch(ctx context.Context, workflowID string) (*model.RunPlan, error) {
	plan, err := s.GenerateForWorkflow(ctx, workflowID)
	if err != nil {
		s.logger.Error("Failed to generate run plan",
			zap.String("workflowID", workflowID),
			zap.Error(err))
		if sdkerrors.IsDefinition(err) && s.notifier != nil {
			s.notifier.SendStartRunPlanFailureMessage("", fmt.Sprintf("workflow %s: %v", workflowID, err))
		}
		return nil, err
	}
	if err := s.plans.Save(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to persist run plan %s: %w", plan.ID, err)
	}
	if err := s.Redispatch(ctx, plan); err != nil {
		return plan, err
	}
	return plan, nil
}

// Redispatch hands an already persisted plan to the dispatcher.
func (s *Service) Redispatch(ctx context.Context, plan *model.RunPlan) error {
	if s.dispatcher == nil {
		return nil
	}
	if err := s.dispatcher.Dispatch(ctx, plan); err != nil {
		return fmt.Errorf("failed to dispatch run plan %s: %w", plan.ID, err)
	}
	s.logger.Info("Dispatched run plan",
		zap.String("runPlanID", plan.ID),
		zap.String("workflowID", plan.FlowID))
	return nil
}

// DispatchAll redispatches the latest plan of each workflow, generating one
// where none exists. Failures are collected and returned together.
func (s *Service) DispatchAll(ctx context.Context, workflowIDs []string) error {
	var errs []error
	for _, id := range workflowIDs {
		plan, err := s.plans.LatestForWorkflow(ctx, id)
		switch {
		case errors.Is(err, sdkerrors.ErrRunPlanNotFound):
			_, err = s.Dispatch(ctx, id)
		case err == nil:
			err = s.Redispatch(ctx, plan)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Latest returns the most recently updated plan of workflowID.
func (s *Service) Latest(ctx context.Context, workflowID string) (*model.RunPlan, error) {
	return s.plans.LatestForWorkflow(ctx, workflowID)
}

// Status returns the run state and per-processor errors of the latest plan.
func (s *Service) Status(ctx context.Context, workflowID string) (model.RunPlanStatus, error) {
	plan, err := s.plans.LatestForWorkflow(ctx, workflowID)
	if err != nil {
		return model.RunPlanStatus{}, err
	}
	return plan.Status(), nil
}

// Stop tears down the running plans of workflowID and forgets them.
func (s *Service) Stop(ctx context.Context, workflowID string) error {
	if s.dispatcher != nil {
		if err := s.dispatcher.Stop(ctx, workflowID); err != nil {
			return fmt.Errorf("failed to stop workflow %s: %w", workflowID, err)
		}
	}
	return s.plans.DeleteForWorkflow(ctx, workflowID)
}
