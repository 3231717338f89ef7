package javascript

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	e, err := NewExecutor(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestExecuteScript_UpperCase(t *testing.T) {
	e := newTestExecutor(t, DefaultConfig())

	out, err := e.ExecuteScript(context.Background(),
		"function(data) { return data.toUpperCase(); }", []byte("in wine there is wisdom"))
	require.NoError(t, err)
	assert.Equal(t, "IN WINE THERE IS WISDOM", string(out))
}

func TestExecuteScript_ObjectResultIsJSON(t *testing.T) {
	e := newTestExecutor(t, DefaultConfig())

	out, err := e.ExecuteScript(context.Background(),
		"function(data) { var o = JSON.parse(data); return {total: o.a + o.b}; }", []byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":3}`, string(out))
}

func TestExecuteScript_Errors(t *testing.T) {
	e := newTestExecutor(t, DefaultConfig())

	tests := []struct {
		name string
		code string
	}{
		{"not a function", "42"},
		{"syntax error", "function(data) { return ; ) }"},
		{"throws", "function(data) { throw new Error('nope'); }"},
		{"no value", "function(data) { }"},
		{"require is removed", "function(data) { return require('fs'); }"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ExecuteScript(context.Background(), tt.code, []byte("x"))
			require.Error(t, err)
			assert.ErrorIs(t, err, sdkerrors.ErrScriptExecution)
		})
	}
}

func TestExecuteScript_Timeout(t *testing.T) {
	e := newTestExecutor(t, Config{Timeout: 50 * time.Millisecond, MaxPoolSize: 1})

	start := time.Now()
	_, err := e.ExecuteScript(context.Background(), "function(data) { while (true) {} }", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// the interrupted runtime is reusable
	out, err := e.ExecuteScript(context.Background(), "function(d) { return d + '!'; }", []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok!", string(out))
}

func TestExecuteScript_GlobalsDoNotLeak(t *testing.T) {
	e := newTestExecutor(t, Config{MinPoolSize: 1, MaxPoolSize: 1})

	_, err := e.ExecuteScript(context.Background(), "function(d) { leaked = d; return d; }", []byte("secret"))
	require.NoError(t, err)

	out, err := e.ExecuteScript(context.Background(), "function(d) { return typeof leaked; }", nil)
	require.NoError(t, err)
	assert.Equal(t, "undefined", string(out))
}

func TestExecuteScript_StrictDisablesEval(t *testing.T) {
	e := newTestExecutor(t, Config{Strict: true})

	_, err := e.ExecuteScript(context.Background(), "function(d) { return eval('1+1'); }", nil)
	assert.Error(t, err)
}

func TestExecuteScript_Concurrent(t *testing.T) {
	e := newTestExecutor(t, Config{MaxPoolSize: 4})

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.ExecuteScript(context.Background(), "function(d) { return d.length; }", []byte("abcd"))
			if err == nil && string(out) != "4" {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, e.Stats().CurrentSize, 4)
}
