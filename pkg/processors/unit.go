// Package processors implements the execution units of non-starting stages.
package processors

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/model"
)

// Unit transforms one payload.
type Unit interface {
	Process(ctx context.Context, in []byte) ([]byte, error)
}

// UnitFunc adapts a function to Unit.
type UnitFunc func(ctx context.Context, in []byte) ([]byte, error)

// Process calls f.
func (f UnitFunc) Process(ctx context.Context, in []byte) ([]byte, error) {
	return f(ctx, in)
}

// Passthrough forwards its input unchanged.
var Passthrough Unit = UnitFunc(func(_ context.Context, in []byte) ([]byte, error) {
	return in, nil
})

// ServiceCaller sends a payload to a named processor service.
type ServiceCaller interface {
	Call(ctx context.Context, serviceName string, properties map[string]any, payload []byte) ([]byte, error)
}

// CollectionNotifier receives collector results. Implementations must not block.
type CollectionNotifier interface {
	SendCollectionComplete(msg model.CollectionComplete)
}

// WithServiceCall sends the payload to serviceName first and feeds the
// response to next.
func WithServiceCall(next Unit, caller ServiceCaller, serviceName string, properties map[string]any) Unit {
	return UnitFunc(func(ctx context.Context, in []byte) ([]byte, error) {
		out, err := caller.Call(ctx, serviceName, properties, in)
		if err != nil {
			return nil, err
		}
		return next.Process(ctx, out)
	})
}
