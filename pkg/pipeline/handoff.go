package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// handoff moves an exchange from a stage to its dependents.
type handoff interface {
	deliver(ctx context.Context, ex *Exchange) error
}

// direct runs the dependent synchronously on the caller's goroutine.
type direct struct {
	target *stage
}

func (d *direct) deliver(ctx context.Context, ex *Exchange) error {
	return d.target.process(ctx, ex)
}

// queued decouples the dependent behind a bounded queue served by its own workers.
// Deliver returns once the exchange is queued.
type queued struct {
	target  *stage
	queue   chan *Exchange
	workers int
	logger  *zap.Logger
}

func newQueued(target *stage, size, workers int, logger *zap.Logger) *queued {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	return &queued{target: target, queue: make(chan *Exchange, size), workers: workers, logger: logger}
}

func (q *queued) deliver(ctx context.Context, ex *Exchange) error {
	t := q.target.topology
	stopping := t.stopping()
	select {
	case <-stopping:
		return errTopologyStopped
	default:
	}
	t.inflight.Add(1)
	select {
	case q.queue <- ex:
		return nil
	case <-stopping:
		t.inflight.Add(-1)
		return errTopologyStopped
	case <-ctx.Done():
		t.inflight.Add(-1)
		return ctx.Err()
	}
}

// run starts the workers; they exit when ctx is done.
func (q *queued) run(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			q.worker(ctx, workerID)
		}(i)
	}
}

func (q *queued) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			if n := len(q.queue); n > 0 && workerID == 0 {
				q.logger.Warn("Discarding queued exchanges on stop",
					zap.String("processor_id", q.target.info.ProcessorID),
					zap.Int("count", n))
			}
			return
		case ex := <-q.queue:
			// failures were dead-lettered by the stage
			_ = q.target.process(ctx, ex)
			q.target.topology.inflight.Add(-1)
		}
	}
}

// fanOut hands an independent copy of the exchange to every dependent in parallel
// and waits for all of them.
type fanOut struct {
	targets []handoff
}

func (f *fanOut) deliver(ctx context.Context, ex *Exchange) error {
	errs := make([]error, len(f.targets))
	var wg sync.WaitGroup
	for i, target := range f.targets {
		wg.Add(1)
		go func(i int, target handoff, ex *Exchange) {
			defer wg.Done()
			errs[i] = target.deliver(ctx, ex)
		}(i, target, ex.Copy())
	}
	wg.Wait()
	return errors.Join(errs...)
}
