package pipeline

import (
	"context"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/model"
)

// Policy is the redelivery policy of a stage.
type Policy struct {
	MaxRedeliveries int           `mapstructure:"max_redeliveries"`
	Delay           time.Duration `mapstructure:"delay"`
}

// RetryConfig holds the redelivery policy per stage kind.
type RetryConfig struct {
	Starting Policy `mapstructure:"starting"`
	Collect  Policy `mapstructure:"collect"`
	Script   Policy `mapstructure:"script"`
	External Policy `mapstructure:"external"`
	Plugin   Policy `mapstructure:"plugin"`
}

// DefaultRetryConfig returns the default policies: starting stages are redelivered
// twice after 1s, COLLECT twice after 1.5s, every other kind fails fast.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Starting: Policy{MaxRedeliveries: 2, Delay: time.Second},
		Collect:  Policy{MaxRedeliveries: 2, Delay: 1500 * time.Millisecond},
	}
}

// For returns the policy of a stage of kind t.
func (c RetryConfig) For(t model.ProcessorType, starting bool) Policy {
	if starting {
		return c.Starting
	}
	switch t {
	case model.ProcessorCollect:
		return c.Collect
	case model.ProcessorScript:
		return c.Script
	case model.ProcessorExternal:
		return c.External
	case model.ProcessorPlugin:
		return c.Plugin
	}
	return Policy{}
}

// redeliver runs fn until it succeeds or the policy is exhausted.
// No redelivery is attempted once stopping is done.
func redeliver[T any](ctx context.Context, stopping <-chan struct{}, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		out, err := fn(ctx, attempt)
		if err == nil || attempt >= p.MaxRedeliveries {
			return out, err
		}

		t := time.NewTimer(p.Delay)
		select {
		case <-t.C:
		case <-stopping:
			t.Stop()
			return out, err
		case <-ctx.Done():
			t.Stop()
			return out, err
		}
	}
}
