// Package sentryhook reports dead-lettered stage failures to Sentry.
package sentryhook

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

// Config configures the Sentry client.
type Config struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// NewHub creates a hub for cfg. It returns a nil hub when no DSN is set.
func NewHub(cfg Config) (*sentry.Hub, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	return newHub(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  cfg.SampleRate,
	})
}

func newHub(opts sentry.ClientOptions) (*sentry.Hub, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return sentry.NewHub(client, sentry.NewScope()), nil
}

// Hook returns an error hook capturing each dead-lettered failure on hub.
// A nil hub yields a nil hook.
func Hook(hub *sentry.Hub) pipeline.ErrorHook {
	if hub == nil {
		return nil
	}
	return func(_ context.Context, entry pipeline.Entry) {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("run_plan_id", entry.RunPlanID)
			scope.SetTag("processor_id", entry.ProcessorID)
			scope.SetTag("category", string(entry.Category))
			scope.SetLevel(sentry.LevelError)
			if entry.Exchange != nil {
				extra := sentry.Context{"size": len(entry.Exchange.Body)}
				for k, v := range entry.Exchange.Headers {
					extra[k] = v
				}
				scope.SetContext("exchange", extra)
			}
			hub.CaptureException(entry.Err)
		})
	}
}

// Flush waits up to timeout for buffered events to be sent.
func Flush(hub *sentry.Hub, timeout time.Duration) bool {
	if hub == nil {
		return true
	}
	return hub.Flush(timeout)
}
