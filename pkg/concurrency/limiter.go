package concurrency

import (
	"context"
	"sync/atomic"
	"time"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Metrics tracks limiter usage
type Metrics struct {
	TotalAcquired   int64
	TotalRejected   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter bounds concurrent calls to one target and carries its circuit breaker
type Limiter struct {
	sem            chan struct{}
	active         int64
	metrics        Metrics
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter allowing maxConcurrent calls guarded by cb.
// A nil breaker gets the default configuration.
func NewLimiter(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if cb == nil {
		cb = NewCircuitBreaker(DefaultBreakerConfig())
	}
	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		circuitBreaker: cb,
	}
}

// Acquire takes a slot. It fails fast with ErrCircuitOpen while the breaker is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	_, err := l.acquire(ctx)
	return err
}

func (l *Limiter) acquire(ctx context.Context) (trial bool, err error) {
	trial, ok := l.circuitBreaker.allow()
	if !ok {
		atomic.AddInt64(&l.metrics.TotalRejected, 1)
		return false, sdkerrors.ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, time.Since(start).Nanoseconds())
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)
		l.updatePeak(atomic.AddInt64(&l.active, 1))
		return trial, nil
	case <-ctx.Done():
		if trial {
			l.circuitBreaker.releaseTrial()
		}
		return false, ctx.Err()
	}
}

// Release returns a slot
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
	default:
	}
}

// Do runs fn in a slot and records its outcome on the breaker.
// Context cancellation is not counted as a target failure.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := l.acquire(ctx)
	if err != nil {
		return err
	}
	defer l.Release()

	err = fn(ctx)
	switch {
	case err == nil:
		l.circuitBreaker.RecordSuccess()
	case ctx.Err() != nil:
		if trial {
			l.circuitBreaker.releaseTrial()
		}
	default:
		l.circuitBreaker.RecordFailure()
	}
	return err
}

// CurrentActive returns the number of calls in flight
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// Breaker returns the circuit breaker guarding this limiter
func (l *Limiter) Breaker() *CircuitBreaker {
	return l.circuitBreaker
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalRejected:   atomic.LoadInt64(&l.metrics.TotalRejected),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak || atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			return
		}
	}
}
