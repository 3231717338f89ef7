package processors

import (
	"context"
	"fmt"
	"strings"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/script"
)

// ScriptUnit runs SCRIPT processors on the embedded executors.
type ScriptUnit struct {
	processorID string
	language    model.ScriptLanguage
	code        string
	scripts     *script.Registry
}

// NewScriptUnit creates a script unit for p.
func NewScriptUnit(p model.ProcessorRunModel, scripts *script.Registry) *ScriptUnit {
	return &ScriptUnit{
		processorID: p.ID,
		language:    model.ScriptLanguage(strings.ToUpper(strings.TrimSpace(p.Property(model.PropLanguage)))),
		code:        p.Property(model.PropCode),
		scripts:     scripts,
	}
}

// Process executes the script against in.
// Out-of-process languages were already executed by the service call and pass through.
func (u *ScriptUnit) Process(ctx context.Context, in []byte) ([]byte, error) {
	if in == nil {
		return nil, sdkerrors.NewExecutionError("NO_INPUT",
			fmt.Sprintf("processor %s: no data to process", u.processorID), sdkerrors.ErrScriptExecution)
	}
	if u.language.OutOfProcess() {
		return in, nil
	}
	if u.scripts == nil {
		return nil, sdkerrors.NewExecutionError("UNSUPPORTED_LANGUAGE",
			fmt.Sprintf("script language %q is unsupported", u.language), sdkerrors.ErrScriptExecution)
	}
	return u.scripts.Execute(ctx, u.language, u.code, in)
}
