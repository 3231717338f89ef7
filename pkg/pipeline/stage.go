package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/ingest"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/processors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CompletionHandler is told when a terminal stage finished an item.
type CompletionHandler interface {
	Complete(runPlanID, processorID string)
}

// CompletionFunc adapts a function to CompletionHandler.
type CompletionFunc func(runPlanID, processorID string)

// Complete calls f.
func (f CompletionFunc) Complete(runPlanID, processorID string) { f(runPlanID, processorID) }

// StageInfo describes one compiled stage.
type StageInfo struct {
	ProcessorID string
	Type        model.ProcessorType
	Upstream    string // empty for starting stages
	Starting    bool
	Terminal    bool
	Policy      Policy
	Processed   int64
	Failed      int64
}

// stage runs one processor unit for one incoming edge.
type stage struct {
	info     StageInfo
	unit     processors.Unit
	next     handoff // nil when terminal
	topology *Topology

	processed atomic.Int64
	failed    atomic.Int64
}

// process runs the unit under the stage policy and hands the result on.
// Unit failures are dead-lettered here; hand-off errors are returned as is.
func (s *stage) process(ctx context.Context, ex *Exchange) error {
	t := s.topology
	ctx, span := t.tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("run_plan.id", t.plan.ID),
			attribute.String("processor.id", s.info.ProcessorID),
			attribute.String("processor.type", string(s.info.Type)),
		))
	defer span.End()

	start := time.Now()
	out, err := redeliver(ctx, t.stopping(), s.info.Policy, func(ctx context.Context, attempt int) (*Exchange, error) {
		if attempt > 0 {
			t.logger.Debug("Redelivering",
				zap.String("processor_id", s.info.ProcessorID),
				zap.Int("attempt", attempt))
		}
		body, err := s.unit.Process(ctx, ex.Body)
		if err != nil {
			return nil, err
		}
		return ex.withBody(body), nil
	})
	span.SetAttributes(attribute.Int64("processing.duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		s.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.fail(ctx, s.info.ProcessorID, ex, err)
		return err
	}
	s.processed.Add(1)
	span.SetStatus(codes.Ok, "")

	if s.next == nil {
		t.complete(s.info.ProcessorID)
		return nil
	}
	return s.next.deliver(ctx, out)
}

func (s *stage) snapshot() StageInfo {
	info := s.info
	info.Processed = s.processed.Load()
	info.Failed = s.failed.Load()
	return info
}

// sourceStage drives a starting processor: it loads each item under the
// starting policy and hands it to the dependents.
type sourceStage struct {
	stage
	source ingest.Source
}

func (s *sourceStage) emit(ctx context.Context, item ingest.Item) error {
	t := s.topology
	ctx, span := t.tracer.Start(ctx, "pipeline.source",
		trace.WithAttributes(
			attribute.String("run_plan.id", t.plan.ID),
			attribute.String("processor.id", s.info.ProcessorID),
			attribute.String("item.key", item.Key),
		))
	defer span.End()

	body, err := redeliver(ctx, t.stopping(), s.info.Policy, func(ctx context.Context, _ int) ([]byte, error) {
		if item.Load == nil {
			return nil, errors.New("item has no body")
		}
		return item.Load(ctx)
	})
	headers := map[string]string{"key": item.Key}
	for k, v := range item.Headers {
		headers[k] = v
	}
	ex := NewExchange(body, headers)
	if err != nil {
		s.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.fail(ctx, s.info.ProcessorID, ex, err)
		return err
	}
	s.processed.Add(1)
	return s.next.deliver(ctx, ex)
}
