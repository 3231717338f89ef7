// Package ingest implements the sources feeding the starting stages of a run plan.
//
// A Source discovers items and hands each one to an EmitFunc. Emit blocks until
// the item was processed by the starting stage and its direct dependents, and
// returns the terminal error of that processing, if any. Item bodies are loaded
// lazily so that read failures fall under the starting stage's redelivery policy.
package ingest

import (
	"context"
	"time"
)

// Item is one unit of work discovered by a source.
type Item struct {
	Key     string
	Name    string
	Headers map[string]string
	Load    func(ctx context.Context) ([]byte, error)
}

// EmitFunc hands an item to the pipeline.
type EmitFunc func(ctx context.Context, item Item) error

// Source produces items until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, emit EmitFunc) error
}

// Header names set by the built-in sources.
const (
	HeaderFileName = "fileName"
	HeaderSource   = "source"
	HeaderSize     = "size"
)

// DefaultPollInterval is used by polling sources when none is configured.
const DefaultPollInterval = 5 * time.Second

// Bytes returns a loader for an in-memory body.
func Bytes(data []byte) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		return data, nil
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
