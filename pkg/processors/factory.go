package processors

import (
	"fmt"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/external"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/script"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap"
)

// Factory builds the unit of a non-starting processor.
type Factory struct {
	Scripts      *script.Registry
	Destinations *storage.Destinations
	Caller       ServiceCaller
	Notifier     CollectionNotifier
	Logger       *zap.Logger
}

// Build returns the unit for p, wrapped in a service call when p targets a service.
func (f *Factory) Build(p model.ProcessorRunModel) (Unit, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var unit Unit
	switch p.Type {
	case model.ProcessorScript:
		unit = NewScriptUnit(p, f.Scripts)
	case model.ProcessorCollect:
		collect, err := NewCollectUnit(p, f.Destinations, f.Notifier, logger)
		if err != nil {
			return nil, err
		}
		unit = collect
	case model.ProcessorExternal, model.ProcessorPlugin:
		if p.Property(model.PropServiceName) == "" {
			return nil, sdkerrors.NewDefinitionError("MISSING_SERVICE_NAME",
				fmt.Sprintf("%s processor %s has no service name", p.Type, p.ID), sdkerrors.ErrMissingServiceName)
		}
		unit = Passthrough
	default:
		return nil, sdkerrors.NewDefinitionError("UNSUPPORTED_PROCESSOR_TYPE",
			fmt.Sprintf("processor %s of type %q cannot run as a downstream stage", p.ID, p.Type),
			sdkerrors.ErrUnsupportedProcessorType)
	}

	if service := external.TargetService(p); service != "" {
		if f.Caller == nil {
			return nil, sdkerrors.NewDefinitionError("NO_SERVICE_CALLER",
				fmt.Sprintf("processor %s needs service %s but no caller is configured", p.ID, service),
				sdkerrors.ErrUnsupportedProcessorType)
		}
		unit = WithServiceCall(unit, f.Caller, service, p.Properties)
	}
	return unit, nil
}
