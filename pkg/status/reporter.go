// Package status publishes run plan status events on a bounded background queue.
package status

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/bus"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"go.uber.org/zap"
)

// Config holds configuration for the status reporter
type Config struct {
	Subjects       bus.Subjects
	QueueSize      int           // Pending events before new ones are dropped (default: 1024)
	Workers        int           // Publishing goroutines (default: 2)
	MaxRetries     int           // Publish retries per event (default: 2)
	RetryDelay     time.Duration // Delay between retries (default: 200ms)
	PublishTimeout time.Duration // Bound on a single publish (default: 5s)
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Subjects:       bus.NewSubjects(""),
		QueueSize:      1024,
		Workers:        2,
		MaxRetries:     2,
		RetryDelay:     200 * time.Millisecond,
		PublishTimeout: 5 * time.Second,
	}
}

type task struct {
	subject string
	kind    string
	body    any
}

// Reporter serializes status events and publishes them in the background.
// Publishing never blocks the caller and failures are only logged.
type Reporter struct {
	publisher bus.Publisher
	config    Config
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan task

	stopCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	sent     int64
	dropped  int64
	failures int64
}

// NewReporter starts a reporter publishing through publisher.
func NewReporter(publisher bus.Publisher, config Config, logger *zap.Logger) *Reporter {
	def := DefaultConfig()
	if config.Subjects.Namespace == "" {
		config.Subjects = def.Subjects
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = def.PublishTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stopCtx, stop := context.WithCancel(context.Background())
	r := &Reporter{
		publisher: publisher,
		config:    config,
		logger:    logger,
		queue:     make(chan task, config.QueueSize),
		stopCtx:   stopCtx,
		stop:      stop,
	}
	for i := 0; i < config.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// SendCollectionComplete reports the result of a collector write.
func (r *Reporter) SendCollectionComplete(msg model.CollectionComplete) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	r.enqueue(task{subject: r.config.Subjects.CollectStatus(), kind: "collection_complete", body: msg})
}

// SendFailureMessage reports a dead-lettered stage failure.
func (r *Reporter) SendFailureMessage(msg model.RunPlanFailure) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	r.enqueue(task{subject: r.config.Subjects.Failure(), kind: "runplan_failure", body: msg})
}

// SendStartRunPlanFailureMessage reports a plan that could not be started.
func (r *Reporter) SendStartRunPlanFailureMessage(runPlanID, reason string) {
	msg := model.RunPlanStartFailure{RunPlanID: runPlanID, Reason: reason, Timestamp: time.Now().UTC()}
	r.enqueue(task{subject: r.config.Subjects.StartFailure(), kind: "runplan_start_failure", body: msg})
}

func (r *Reporter) enqueue(t task) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		atomic.AddInt64(&r.dropped, 1)
		r.logger.Debug("Status reporter closed, discarding event", zap.String("kind", t.kind))
		return
	}
	select {
	case r.queue <- t:
	default:
		atomic.AddInt64(&r.dropped, 1)
		r.logger.Warn("Status queue full, dropping event",
			zap.String("kind", t.kind),
			zap.String("subject", t.subject),
			zap.Int("queue_size", r.config.QueueSize))
	}
}

func (r *Reporter) worker() {
	defer r.wg.Done()
	for t := range r.queue {
		if r.stopCtx.Err() != nil {
			atomic.AddInt64(&r.dropped, 1)
			continue
		}
		r.publish(t)
	}
}

func (r *Reporter) publish(t task) {
	data, err := model.Encode(t.body)
	if err != nil {
		atomic.AddInt64(&r.failures, 1)
		r.logger.Error("Failed to encode status event", zap.String("kind", t.kind), zap.Error(err))
		return
	}

	if err := r.publishWithRetry(t.subject, data); err != nil {
		atomic.AddInt64(&r.failures, 1)
		r.logger.Error("Failed to publish status event",
			zap.String("kind", t.kind),
			zap.String("subject", t.subject),
			zap.Error(sdkerrors.NewTransportError("STATUS_PUBLISH_FAILED", "status event not delivered", err)))
		return
	}
	atomic.AddInt64(&r.sent, 1)
}

func (r *Reporter) publishWithRetry(subject string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-r.stopCtx.Done():
				return fmt.Errorf("publish cancelled during retry: %w", r.stopCtx.Err())
			case <-time.After(r.config.RetryDelay):
			}
		}

		ctx, cancel := context.WithTimeout(r.stopCtx, r.config.PublishTimeout)
		err := r.publisher.Publish(ctx, subject, data)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		r.logger.Warn("Status publish attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", r.config.MaxRetries+1),
			zap.String("subject", subject),
			zap.Error(err))
	}
	return fmt.Errorf("publish failed after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}

// Close stops accepting events and drains the queue until ctx is done.
// Events still pending after that are discarded.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.stop()
		return nil
	case <-ctx.Done():
		r.stop()
		<-done
		r.logger.Warn("Status reporter closed before draining", zap.Int64("dropped", r.Dropped()))
		return ctx.Err()
	}
}

// Sent returns the number of published events.
func (r *Reporter) Sent() int64 { return atomic.LoadInt64(&r.sent) }

// Dropped returns the number of events discarded without a publish attempt.
func (r *Reporter) Dropped() int64 { return atomic.LoadInt64(&r.dropped) }

// Failures returns the number of events whose publication failed.
func (r *Reporter) Failures() int64 { return atomic.LoadInt64(&r.failures) }
