// Package script dispatches embedded script execution to per-language executors.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
)

// Executor runs code of one language against an input payload.
type Executor interface {
	ExecuteScript(ctx context.Context, code string, input []byte) ([]byte, error)
}

// Registry maps script languages to their in-process executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[model.ScriptLanguage]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[model.ScriptLanguage]Executor)}
}

// Register binds an executor to a language, replacing any previous one.
func (r *Registry) Register(language model.ScriptLanguage, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[normalize(language)] = exec
}

// Lookup returns the executor for language.
func (r *Registry) Lookup(language model.ScriptLanguage) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[normalize(language)]
	return exec, ok
}

// Execute runs code with the executor registered for language.
func (r *Registry) Execute(ctx context.Context, language model.ScriptLanguage, code string, input []byte) ([]byte, error) {
	exec, ok := r.Lookup(language)
	if !ok {
		return nil, sdkerrors.NewExecutionError("UNSUPPORTED_LANGUAGE",
			fmt.Sprintf("no executor for script language %q", language), sdkerrors.ErrScriptExecution)
	}
	return exec.ExecuteScript(ctx, code, input)
}

// Close closes every executor that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, exec := range r.executors {
		if c, ok := exec.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func normalize(language model.ScriptLanguage) model.ScriptLanguage {
	return model.ScriptLanguage(strings.ToUpper(strings.TrimSpace(string(language))))
}
