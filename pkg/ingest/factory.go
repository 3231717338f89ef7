package ingest

import (
	"fmt"
	"time"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/idempotent"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap"
)

// Factory builds the source of a starting processor.
type Factory struct {
	S3                storage.S3API
	PollInterval      time.Duration
	FileCheckInterval time.Duration
	FTPTimeout        time.Duration
	Logger            *zap.Logger
}

// Build returns the source for the single input of p.
// dedup is the run plan's idempotent repository used by S3 sources.
func (f *Factory) Build(p model.ProcessorRunModel, dedup idempotent.Repository) (Source, error) {
	if len(p.Inputs) != 1 {
		return nil, sdkerrors.NewDefinitionError("MULTIPLE_INPUTS",
			fmt.Sprintf("starting processor %s must have exactly one input, has %d", p.ID, len(p.Inputs)),
			sdkerrors.ErrMultipleInputs)
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("processor_id", p.ID))
	in := p.Inputs[0]

	switch in.SourceType {
	case model.SourceFileDrop:
		if in.SourceLocation == "" {
			return nil, sdkerrors.NewDefinitionError("MISSING_LOCATION",
				fmt.Sprintf("processor %s: FILE_DROP needs a directory", p.ID), sdkerrors.ErrUnsupportedSourceType)
		}
		return NewFileDrop(in.SourceLocation, f.FileCheckInterval, logger), nil

	case model.SourceFTP:
		cfg, err := ParseFTPLocation(in.SourceLocation)
		if err != nil {
			return nil, sdkerrors.NewDefinitionError("INVALID_LOCATION", err.Error(), sdkerrors.ErrUnsupportedSourceType)
		}
		if user := in.Property(model.PropUsername); user != "" {
			cfg.Username = user
			cfg.Password = in.Property(model.PropPassword)
		}
		cfg.PollInterval = f.PollInterval
		cfg.Timeout = f.FTPTimeout
		return NewFTP(cfg, logger), nil

	case model.SourceS3:
		bucket := in.Property(model.PropBucket)
		if bucket == "" {
			return nil, sdkerrors.NewDefinitionError("MISSING_BUCKET",
				fmt.Sprintf("processor %s: S3 source has no bucket property", p.ID), sdkerrors.ErrMissingBucket)
		}
		if in.SourceLocation == "" {
			return nil, sdkerrors.NewDefinitionError("MISSING_KEY_PREFIX",
				fmt.Sprintf("processor %s: S3 source has no key prefix", p.ID), sdkerrors.ErrMissingKeyPrefix)
		}
		if f.S3 == nil {
			return nil, sdkerrors.NewDefinitionError("S3_NOT_CONFIGURED",
				fmt.Sprintf("processor %s: no S3 client configured", p.ID), sdkerrors.ErrUnsupportedSourceType)
		}
		if dedup == nil {
			dedup = idempotent.NewMemory(0, 0)
		}
		return NewS3(f.S3, bucket, in.SourceLocation, dedup, f.PollInterval, logger), nil
	}

	return nil, sdkerrors.NewDefinitionError("UNSUPPORTED_SOURCE_TYPE",
		fmt.Sprintf("processor %s: source type %q is unsupported", p.ID, in.SourceType),
		sdkerrors.ErrUnsupportedSourceType)
}
