package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errTopologyStopped = errors.New("topology is stopped")

// Topology is the running form of a run plan.
type Topology struct {
	plan       *model.RunPlan
	sources    []*sourceStage
	stages     []*stage
	queues     []*queued
	terminals  map[string]struct{}
	deadLetter *DeadLetter
	completion CompletionHandler
	tracer     trace.Tracer
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	mu          sync.Mutex
	completions map[string]int64

	// exchanges accepted by a queued hand-off and not yet processed
	inflight atomic.Int64
}

// Start launches the stage workers and then the sources.
func (t *Topology) Start() {
	t.startOnce.Do(func() {
		for _, q := range t.queues {
			q.run(t.ctx, &t.wg)
		}
		for _, s := range t.sources {
			t.wg.Add(1)
			go func(s *sourceStage) {
				defer t.wg.Done()
				t.runSource(s)
			}(s)
		}
		t.logger.Info("Topology started",
			zap.Int("sources", len(t.sources)),
			zap.Int("stages", len(t.stages)))
	})
}

func (t *Topology) runSource(s *sourceStage) {
	err := s.source.Run(t.ctx, s.emit)
	if err != nil && t.ctx.Err() == nil {
		t.deadLetter.Handle(t.ctx, s.info.ProcessorID, nil,
			sdkerrors.NewInternalError("SOURCE_FAILED", "source stopped unexpectedly", err))
	}
}

// Stop cancels every stage and waits for the workers. Safe to call repeatedly.
func (t *Topology) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		t.wg.Wait()
		close(t.done)
		t.logger.Info("Topology stopped")
	})
}

// Done is closed once the topology stopped.
func (t *Topology) Done() <-chan struct{} {
	return t.done
}

// RunPlanID returns the id of the compiled plan.
func (t *Topology) RunPlanID() string {
	return t.plan.ID
}

// Plan returns the compiled plan.
func (t *Topology) Plan() *model.RunPlan {
	return t.plan
}

// DeadLetter returns the dead-letter path of the plan.
func (t *Topology) DeadLetter() *DeadLetter {
	return t.deadLetter
}

// Stages describes every compiled stage, starting stages first.
func (t *Topology) Stages() []StageInfo {
	out := make([]StageInfo, 0, len(t.sources)+len(t.stages))
	for _, s := range t.sources {
		out = append(out, s.snapshot())
	}
	for _, s := range t.stages {
		out = append(out, s.snapshot())
	}
	return out
}

// Completions returns how many items each terminal processor finished.
func (t *Topology) Completions() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.completions))
	for k, v := range t.completions {
		out[k] = v
	}
	return out
}

// BranchesCompleted reports whether every terminal processor finished at least one item.
func (t *Topology) BranchesCompleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.terminals {
		if t.completions[id] == 0 {
			return false
		}
	}
	return len(t.terminals) > 0
}

// Idle reports whether no exchange is waiting in or being processed behind a queue.
// Direct hand-offs finish before the source's emit returns.
func (t *Topology) Idle() bool {
	return t.inflight.Load() == 0
}

// WaitIdle blocks until the topology is idle, stopped or ctx is done.
func (t *Topology) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !t.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.ctx.Done():
			return errTopologyStopped
		case <-ticker.C:
		}
	}
	return nil
}

func (t *Topology) stopping() <-chan struct{} {
	return t.ctx.Done()
}

func (t *Topology) complete(processorID string) {
	t.mu.Lock()
	t.completions[processorID]++
	t.mu.Unlock()
	t.logger.Debug("Branch completed", zap.String("processor_id", processorID))
	if t.completion != nil {
		t.completion.Complete(t.plan.ID, processorID)
	}
}

// fail dead-letters err unless it is the cancellation caused by Stop.
func (t *Topology) fail(ctx context.Context, processorID string, ex *Exchange, err error) {
	if t.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		t.logger.Debug("Exchange interrupted by stop", zap.String("processor_id", processorID))
		return
	}
	t.deadLetter.Handle(ctx, processorID, ex, err)
}
