package ingest

import (
	"context"
	"errors"
)

// ErrSourceClosed is returned by Channel.Send once the source stopped running.
var ErrSourceClosed = errors.New("source is not running")

// Channel is a source fed programmatically, used for manual triggers and tests.
type Channel struct {
	items chan delivery
	done  chan struct{}
}

type delivery struct {
	item   Item
	result chan error
}

// NewChannel creates a channel source.
func NewChannel() *Channel {
	return &Channel{items: make(chan delivery), done: make(chan struct{})}
}

// Run emits items passed to Send until ctx is done.
func (c *Channel) Run(ctx context.Context, emit EmitFunc) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-c.items:
			d.result <- emit(ctx, d.item)
		}
	}
}

// Send delivers item and waits for the pipeline to finish with it.
func (c *Channel) Send(ctx context.Context, item Item) error {
	d := delivery{item: item, result: make(chan error, 1)}
	select {
	case c.items <- d:
	case <-c.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-d.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendBytes delivers an in-memory payload under key.
func (c *Channel) SendBytes(ctx context.Context, key string, data []byte) error {
	return c.Send(ctx, Item{Key: key, Name: key, Load: Bytes(data)})
}
