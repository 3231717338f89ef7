package control

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/bus"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"go.uber.org/zap"
)

// Listen subscribes to the workflow start, workflow stop and run plan start
// subjects and dispatches each message to the manager. Subscriptions end when
// ctx is done or the manager is closed.
func (m *Manager) Listen(ctx context.Context, subscriber bus.Subscriber, subjects bus.Subjects) error {
	handlers := map[string]bus.Handler{
		subjects.WorkflowStart(): m.handleStartWorkflow,
		subjects.WorkflowStop():  m.handleStopWorkflow,
		subjects.RunPlanStart():  m.handleStartRunPlan,
	}

	var subs []bus.Subscription
	for _, subject := range []string{subjects.WorkflowStart(), subjects.WorkflowStop(), subjects.RunPlanStart()} {
		sub, err := subscriber.Subscribe(ctx, subject, handlers[subject])
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return sdkerrors.NewTransportError("SUBSCRIBE_FAILED",
				fmt.Sprintf("failed to subscribe to %s", subject),
				fmt.Errorf("%w: %v", sdkerrors.ErrSubscriptionFailed, err))
		}
		subs = append(subs, sub)
		m.logger.Info("Listening for control messages", zap.String("subject", subject))
	}

	m.mu.Lock()
	m.subs = append(m.subs, subs...)
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleStartWorkflow(ctx context.Context, msg *bus.Msg) error {
	var cmd model.StartWorkflow
	if err := model.Decode(msg.Data, &cmd); err != nil || cmd.WorkflowID == "" {
		m.logger.Warn("Dropping malformed start workflow message",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return nil
	}
	_, err := m.StartWorkflow(ctx, cmd.WorkflowID)
	return m.settle(err, "start workflow", zap.String("workflowID", cmd.WorkflowID))
}

func (m *Manager) handleStopWorkflow(ctx context.Context, msg *bus.Msg) error {
	var cmd model.StopWorkflow
	if err := model.Decode(msg.Data, &cmd); err != nil {
		m.logger.Warn("Dropping malformed stop workflow message",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return nil
	}
	var err error
	switch {
	case cmd.ID != "":
		err = m.Stop(ctx, cmd.ID)
	case cmd.WorkflowID != "":
		err = m.StopWorkflow(ctx, cmd.WorkflowID)
	default:
		m.logger.Warn("Stop workflow message names no plan or workflow")
		return nil
	}
	return m.settle(err, "stop workflow",
		zap.String("runPlanID", cmd.ID),
		zap.String("workflowID", cmd.WorkflowID))
}

func (m *Manager) handleStartRunPlan(ctx context.Context, msg *bus.Msg) error {
	var cmd model.StartRunPlan
	if err := model.Decode(msg.Data, &cmd); err != nil || cmd.RunPlan == nil {
		m.logger.Warn("Dropping malformed start run plan message",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return nil
	}
	return m.settle(m.Start(ctx, cmd.RunPlan), "start run plan", zap.String("runPlanID", cmd.RunPlan.ID))
}

// settle decides whether a failed command is worth redelivering. Definition
// errors were already reported and would fail again.
func (m *Manager) settle(err error, op string, fields ...zap.Field) error {
	if err == nil {
		return nil
	}
	m.logger.Error("Control command failed", append(fields, zap.String("op", op), zap.Error(err))...)
	if sdkerrors.IsDefinition(err) {
		return nil
	}
	return err
}
