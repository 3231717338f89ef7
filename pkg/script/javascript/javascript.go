// Package javascript executes JAVASCRIPT processors on pooled, sandboxed goja runtimes.
//
// The processor code must evaluate to a function taking the payload as a
// string, for example:
//
//	function(data) { return data.toUpperCase(); }
//
// A string, ArrayBuffer or byte slice result becomes the new payload as is;
// any other value is JSON-encoded.
package javascript

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

// Config configures the executor.
type Config struct {
	Timeout       time.Duration
	MinPoolSize   int
	MaxPoolSize   int
	MaxReuseCount int
	Strict        bool // also disables eval
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Second,
		MinPoolSize:   1,
		MaxPoolSize:   8,
		MaxReuseCount: 1000,
	}
}

// Executor runs JavaScript transforms.
type Executor struct {
	pool    *vmPool
	timeout time.Duration
	logger  *zap.Logger
}

// NewExecutor creates an executor with a warm runtime pool.
func NewExecutor(cfg Config, logger *zap.Logger) (*Executor, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = def.MaxPoolSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := newVMPool(cfg.MinPoolSize, cfg.MaxPoolSize, cfg.MaxReuseCount, cfg.Strict)
	if err != nil {
		return nil, fmt.Errorf("failed to create VM pool: %w", err)
	}
	return &Executor{pool: pool, timeout: cfg.Timeout, logger: logger}, nil
}

// ExecuteScript evaluates code to a function and calls it with input as a string.
func (e *Executor) ExecuteScript(ctx context.Context, code string, input []byte) ([]byte, error) {
	result, err := e.executeWithTimeout(ctx, code, string(input))
	if err != nil {
		return nil, sdkerrors.NewExecutionError("JAVASCRIPT_FAILED", "javascript execution failed",
			fmt.Errorf("%w: %v", sdkerrors.ErrScriptExecution, err))
	}
	return result, nil
}

func (e *Executor) executeWithTimeout(ctx context.Context, code, data string) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during execution: %v", r)
		}
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vm, err := e.pool.acquire(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire VM: %w", err)
	}
	defer e.pool.release(vm)

	done := make(chan struct{})
	var interruptOnce sync.Once
	interrupted := false
	go func() {
		select {
		case <-timeoutCtx.Done():
			interruptOnce.Do(func() {
				interrupted = true
				vm.vm.Interrupt("execution timeout")
			})
		case <-done:
		}
	}()
	finish := func() {
		close(done)
		// the watchdog may still be interrupting; wait for it before reading the flag
		interruptOnce.Do(func() {})
	}

	fnVal, err := vm.vm.RunString("(" + code + "\n)")
	if err != nil {
		finish()
		return nil, e.describe(err, interrupted)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		finish()
		return nil, fmt.Errorf("script must evaluate to a function, got %s", fnVal.ExportType())
	}

	start := time.Now()
	value, err := fn(goja.Undefined(), vm.vm.ToValue(data))
	finish()
	if err != nil {
		return nil, e.describe(err, interrupted)
	}

	e.logger.Debug("Executed javascript",
		zap.Duration("duration", time.Since(start)),
		zap.Int("reuse_count", vm.reuseCount))

	return exportResult(value)
}

func (e *Executor) describe(err error, interrupted bool) error {
	if interrupted {
		return fmt.Errorf("execution timed out after %s: %w", e.timeout, sdkerrors.ErrTimeout)
	}
	if exc, ok := err.(*goja.Exception); ok {
		return fmt.Errorf("script error: %s", exc.Error())
	}
	return err
}

func exportResult(value goja.Value) ([]byte, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("script returned no value")
	}
	switch v := value.Export().(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case goja.ArrayBuffer:
		return append([]byte(nil), v.Bytes()...), nil
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal output: %w", err)
		}
		return out, nil
	}
}

// Stats returns runtime pool statistics.
func (e *Executor) Stats() PoolStats {
	return e.pool.stats()
}

// Close releases the runtime pool.
func (e *Executor) Close() error {
	e.pool.close()
	return nil
}
