// Package storage implements the collector destinations.
package storage

import (
	"context"
	"fmt"
	"sync"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
)

// Writer stores one collected record.
// location is destination specific (a directory, a container, a bucket/prefix);
// name is the record path below it. The returned string locates the record.
type Writer interface {
	Write(ctx context.Context, location, name string, data []byte) (string, error)
}

// Destinations maps destination types to writers.
type Destinations struct {
	mu      sync.RWMutex
	writers map[model.DestinationType]Writer
}

// NewDestinations creates an empty destination set.
func NewDestinations() *Destinations {
	return &Destinations{writers: make(map[model.DestinationType]Writer)}
}

// Register binds a writer to a destination type.
func (d *Destinations) Register(t model.DestinationType, w Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writers[t] = w
}

// Writer returns the writer for t or an ErrUnsupportedDestinationType error.
func (d *Destinations) Writer(t model.DestinationType) (Writer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.writers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", sdkerrors.ErrUnsupportedDestinationType, t)
	}
	return w, nil
}
