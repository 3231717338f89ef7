package status

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/bus"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"go.uber.org/zap"
)

func TestReporter_PublishesToWellKnownSubjects(t *testing.T) {
	b := bus.NewMemory()
	cfg := DefaultConfig()
	cfg.Subjects = bus.NewSubjects("test")
	r := NewReporter(b, cfg, zap.NewNop())

	r.SendCollectionComplete(model.CollectionComplete{
		DestinationType: model.DestinationFolder,
		WorkflowID:      "wf",
		ProcessorID:     "collect",
		Location:        "/out",
		CollectionID:    "c1",
		Result:          model.CollectionSuccess,
	})
	r.SendFailureMessage(model.RunPlanFailure{RunPlanID: "p1", ProcessorID: "s1", Category: "EXECUTION", Message: "boom"})
	r.SendStartRunPlanFailureMessage("p2", "cycle")

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, int64(3), r.Sent())

	collect := b.Messages("test.runplan_collect_status")
	require.Len(t, collect, 1)
	var cc model.CollectionComplete
	require.NoError(t, json.Unmarshal(collect[0].Data, &cc))
	assert.Equal(t, model.CollectionSuccess, cc.Result)
	assert.False(t, cc.Timestamp.IsZero())

	failures := b.Messages("test.runplan_failure")
	require.Len(t, failures, 1)
	var f model.RunPlanFailure
	require.NoError(t, json.Unmarshal(failures[0].Data, &f))
	assert.Equal(t, "s1", f.ProcessorID)

	starts := b.Messages("test.runplan_start_failure")
	require.Len(t, starts, 1)
	var sf model.RunPlanStartFailure
	require.NoError(t, json.Unmarshal(starts[0].Data, &sf))
	assert.Equal(t, "cycle", sf.Reason)
}

type failingPublisher struct {
	calls int64
}

func (p *failingPublisher) Publish(context.Context, string, []byte) error {
	atomic.AddInt64(&p.calls, 1)
	return errors.New("bus down")
}

func TestReporter_PublishFailuresAreNotReturned(t *testing.T) {
	p := &failingPublisher{}
	r := NewReporter(p, Config{MaxRetries: 1, RetryDelay: time.Millisecond}, zap.NewNop())

	r.SendFailureMessage(model.RunPlanFailure{RunPlanID: "p1"})
	require.NoError(t, r.Close(context.Background()))

	assert.Equal(t, int64(2), atomic.LoadInt64(&p.calls))
	assert.Equal(t, int64(1), r.Failures())
	assert.Equal(t, int64(0), r.Sent())
}

type blockingPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	count   int
}

func (p *blockingPublisher) Publish(ctx context.Context, _ string, _ []byte) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
	return nil
}

func TestReporter_FullQueueDropsEvents(t *testing.T) {
	p := &blockingPublisher{release: make(chan struct{})}
	r := NewReporter(p, Config{QueueSize: 1, Workers: 1, MaxRetries: 0}, zap.NewNop())

	// first event occupies the worker, second fills the queue
	r.SendStartRunPlanFailureMessage("p", "1")
	require.Eventually(t, func() bool { return len(r.queue) == 0 }, time.Second, time.Millisecond)
	r.SendStartRunPlanFailureMessage("p", "2")
	r.SendStartRunPlanFailureMessage("p", "3")
	r.SendStartRunPlanFailureMessage("p", "4")

	assert.Equal(t, int64(2), r.Dropped())

	close(p.release)
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 2, p.count)
}

func TestReporter_CloseDiscardsAfterDeadline(t *testing.T) {
	p := &blockingPublisher{release: make(chan struct{})}
	r := NewReporter(p, Config{QueueSize: 10, Workers: 1, MaxRetries: 0, PublishTimeout: time.Minute}, zap.NewNop())

	for i := 0; i < 5; i++ {
		r.SendStartRunPlanFailureMessage("p", "x")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.count)
	assert.Equal(t, int64(4), r.Dropped())

	// closed reporters discard silently
	r.SendStartRunPlanFailureMessage("p", "late")
	assert.Equal(t, int64(5), r.Dropped())
	assert.NoError(t, r.Close(context.Background()))
}
