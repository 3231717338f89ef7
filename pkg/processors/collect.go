package processors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap"
)

// CollectUnit writes payloads to a destination and reports every write.
// It is a tap: the original payload is forwarded even when the write fails.
type CollectUnit struct {
	processor  model.ProcessorRunModel
	destType   model.DestinationType
	location   string
	collection string
	writer     storage.Writer
	notifier   CollectionNotifier
	logger     *zap.Logger
	now        func() time.Time
}

// NewCollectUnit creates a collector for p. A destination type with no
// registered writer is a definition error.
func NewCollectUnit(p model.ProcessorRunModel, destinations *storage.Destinations, notifier CollectionNotifier, logger *zap.Logger) (*CollectUnit, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	destType := model.DestinationType(strings.ToUpper(strings.TrimSpace(p.Property(model.PropType))))
	if destinations == nil {
		return nil, unsupportedDestination(p, destType, sdkerrors.ErrUnsupportedDestinationType)
	}
	writer, err := destinations.Writer(destType)
	if err != nil {
		return nil, unsupportedDestination(p, destType, err)
	}
	return &CollectUnit{
		processor:  p,
		destType:   destType,
		location:   p.Property(model.PropLocation),
		collection: p.Property(model.PropCollection),
		writer:     writer,
		notifier:   notifier,
		logger:     logger.With(zap.String("processor_id", p.ID)),
		now:        time.Now,
	}, nil
}

func unsupportedDestination(p model.ProcessorRunModel, destType model.DestinationType, err error) error {
	return sdkerrors.NewDefinitionError("UNSUPPORTED_DESTINATION",
		fmt.Sprintf("processor %s: destination type %q is unsupported", p.ID, destType), err)
}

// Process writes in under a new record id and forwards it.
func (u *CollectUnit) Process(ctx context.Context, in []byte) ([]byte, error) {
	if in == nil {
		return nil, sdkerrors.NewExecutionError("NO_INPUT",
			fmt.Sprintf("processor %s: no data to collect", u.processor.ID), sdkerrors.ErrCollect)
	}

	recordID := strings.ReplaceAll(uuid.NewString(), "-", "")
	started := u.now()
	msg := model.CollectionComplete{
		DestinationType: u.destType,
		WorkflowID:      u.processor.FlowID,
		ProcessorID:     u.processor.ID,
		Timestamp:       started,
		Location:        u.location + "/" + recordID,
		CollectionID:    u.collection,
		Result:          model.CollectionSuccess,
	}

	location, err := u.writer.Write(ctx, u.location, recordID, in)
	if err != nil {
		u.logger.Error("Error exporting data",
			zap.String("destination_type", string(u.destType)),
			zap.String("location", u.location),
			zap.Error(err))
		msg.Result = model.CollectionError
		msg.ErrorMessage = "Error exporting data: " + err.Error()
	} else {
		msg.Location = location
	}

	if u.notifier != nil {
		u.notifier.SendCollectionComplete(msg)
	}
	return in, nil
}
