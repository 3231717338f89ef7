// Package bus publishes and consumes control and status messages.
package bus

import (
	"context"
	"fmt"
)

// Publisher sends raw message bodies to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Handler processes one delivered message. A returned error asks the
// transport to redeliver when it supports that.
type Handler func(ctx context.Context, msg *Msg) error

// Subscriber delivers messages of a subject to a handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Msg is a delivered message.
type Msg struct {
	Subject string
	Data    []byte
}

// Subjects names the well-known channels under a namespace.
type Subjects struct {
	Namespace string
}

// NewSubjects returns the channel names for namespace, defaulting to "daedalus".
func NewSubjects(namespace string) Subjects {
	if namespace == "" {
		namespace = "daedalus"
	}
	return Subjects{Namespace: namespace}
}

func (s Subjects) subject(name string) string {
	return fmt.Sprintf("%s.%s", s.Namespace, name)
}

// CollectStatus carries CollectionComplete events.
func (s Subjects) CollectStatus() string { return s.subject("runplan_collect_status") }

// Failure carries RunPlanFailure events.
func (s Subjects) Failure() string { return s.subject("runplan_failure") }

// StartFailure carries RunPlanStartFailure events.
func (s Subjects) StartFailure() string { return s.subject("runplan_start_failure") }

// WorkflowStart carries StartWorkflow commands.
func (s Subjects) WorkflowStart() string { return s.subject("workflow_start") }

// WorkflowStop carries StopWorkflow commands.
func (s Subjects) WorkflowStop() string { return s.subject("workflow_stop") }

// RunPlanStart carries StartRunPlan commands.
func (s Subjects) RunPlanStart() string { return s.subject("runplan_start") }
