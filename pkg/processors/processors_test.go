package processors

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/script"
	stringsexec "github.com/wehubfusion/Daedalus/pkg/script/strings"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []model.CollectionComplete
}

func (n *recordingNotifier) SendCollectionComplete(msg model.CollectionComplete) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

type recordingCaller struct {
	mu       sync.Mutex
	services []string
	err      error
}

func (c *recordingCaller) Call(_ context.Context, service string, _ map[string]any, payload []byte) ([]byte, error) {
	c.mu.Lock()
	c.services = append(c.services, service)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return append([]byte(service+":"), payload...), nil
}

type failingWriter struct{}

func (failingWriter) Write(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("disk full")
}

func newRegistry() *script.Registry {
	r := script.NewRegistry()
	r.Register(model.LanguageStrings, stringsexec.NewExecutor())
	return r
}

func scriptProcessor(language, code string) model.ProcessorRunModel {
	return model.ProcessorRunModel{
		ID: "script1", FlowID: "wf", Type: model.ProcessorScript,
		Properties: map[string]any{"language": language, "code": code},
	}
}

func TestScriptUnit(t *testing.T) {
	u := NewScriptUnit(scriptProcessor("strings", "upper"), newRegistry())

	out, err := u.Process(context.Background(), []byte("in wine there is wisdom"))
	require.NoError(t, err)
	assert.Equal(t, "IN WINE THERE IS WISDOM", string(out))
}

func TestScriptUnit_Errors(t *testing.T) {
	t.Run("no input", func(t *testing.T) {
		_, err := NewScriptUnit(scriptProcessor("STRINGS", "upper"), newRegistry()).Process(context.Background(), nil)
		assert.ErrorIs(t, err, sdkerrors.ErrScriptExecution)
	})
	t.Run("unsupported language", func(t *testing.T) {
		_, err := NewScriptUnit(scriptProcessor("COBOL", "x"), newRegistry()).Process(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, sdkerrors.ErrScriptExecution)
		assert.Equal(t, sdkerrors.CategoryExecution, sdkerrors.CategoryOf(err))
	})
	t.Run("out of process passes through", func(t *testing.T) {
		out, err := NewScriptUnit(scriptProcessor("PYTHON", "print()"), nil).Process(context.Background(), []byte("done"))
		require.NoError(t, err)
		assert.Equal(t, "done", string(out))
	})
}

func collectProcessor(destType, location string) model.ProcessorRunModel {
	return model.ProcessorRunModel{
		ID: "collect1", FlowID: "wf", Type: model.ProcessorCollect,
		Properties: map[string]any{"type": destType, "location": location, "collection": "orders"},
	}
}

func TestCollectUnit_WritesAndReports(t *testing.T) {
	dir := t.TempDir()
	dests := storage.NewDestinations()
	dests.Register(model.DestinationFolder, storage.NewFolderWriter(nil))
	n := &recordingNotifier{}

	u, err := NewCollectUnit(collectProcessor("FOLDER", dir), dests, n, zap.NewNop())
	require.NoError(t, err)
	out, err := u.Process(context.Background(), []byte("row"))
	require.NoError(t, err)
	assert.Equal(t, "row", string(out))

	require.Len(t, n.msgs, 1)
	msg := n.msgs[0]
	assert.Equal(t, model.CollectionSuccess, msg.Result)
	assert.Equal(t, "orders", msg.CollectionID)
	assert.Equal(t, "wf", msg.WorkflowID)
	assert.Equal(t, "collect1", msg.ProcessorID)
	assert.True(t, strings.HasPrefix(msg.Location, "file://"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Name(), 32, "record ids are dashless uuids")
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "row", string(data))
}

func TestCollectUnit_WriteFailureStillForwards(t *testing.T) {
	dests := storage.NewDestinations()
	dests.Register(model.DestinationFolder, failingWriter{})
	n := &recordingNotifier{}

	u, err := NewCollectUnit(collectProcessor("FOLDER", "/x"), dests, n, nil)
	require.NoError(t, err)
	out, err := u.Process(context.Background(), []byte("row"))
	require.NoError(t, err)
	assert.Equal(t, "row", string(out))

	require.Len(t, n.msgs, 1)
	assert.Equal(t, model.CollectionError, n.msgs[0].Result)
	assert.Contains(t, n.msgs[0].ErrorMessage, "disk full")
}

func TestCollectUnit_Errors(t *testing.T) {
	dests := storage.NewDestinations()
	dests.Register(model.DestinationFolder, failingWriter{})
	n := &recordingNotifier{}

	u, err := NewCollectUnit(collectProcessor("FOLDER", "/x"), dests, n, nil)
	require.NoError(t, err)
	_, err = u.Process(context.Background(), nil)
	assert.ErrorIs(t, err, sdkerrors.ErrCollect)
	assert.Equal(t, sdkerrors.CategoryExecution, sdkerrors.CategoryOf(err))

	tape, err := NewCollectUnit(collectProcessor("TAPE", "/x"), dests, n, nil)
	assert.Nil(t, tape)
	assert.ErrorIs(t, err, sdkerrors.ErrUnsupportedDestinationType)
	assert.True(t, sdkerrors.IsDefinition(err))

	_, err = NewCollectUnit(collectProcessor("FOLDER", "/x"), nil, n, nil)
	assert.ErrorIs(t, err, sdkerrors.ErrUnsupportedDestinationType)

	assert.Empty(t, n.msgs)
}

func TestFactory_Build(t *testing.T) {
	caller := &recordingCaller{}
	f := &Factory{Scripts: newRegistry(), Destinations: storage.NewDestinations(), Caller: caller}
	ctx := context.Background()

	t.Run("embedded script", func(t *testing.T) {
		u, err := f.Build(scriptProcessor("STRINGS", "reverse"))
		require.NoError(t, err)
		out, err := u.Process(ctx, []byte("abc"))
		require.NoError(t, err)
		assert.Equal(t, "cba", string(out))
	})

	t.Run("python goes through its service", func(t *testing.T) {
		u, err := f.Build(scriptProcessor("PYTHON", "x"))
		require.NoError(t, err)
		out, err := u.Process(ctx, []byte("abc"))
		require.NoError(t, err)
		assert.Equal(t, "python-script-processor:abc", string(out))
	})

	t.Run("external and plugin", func(t *testing.T) {
		for _, typ := range []model.ProcessorType{model.ProcessorExternal, model.ProcessorPlugin} {
			u, err := f.Build(model.ProcessorRunModel{ID: "p", Type: typ, Properties: map[string]any{"serviceName": "geo"}})
			require.NoError(t, err)
			out, err := u.Process(ctx, []byte("abc"))
			require.NoError(t, err)
			assert.Equal(t, "geo:abc", string(out))
		}
	})

	t.Run("plugin without service", func(t *testing.T) {
		_, err := f.Build(model.ProcessorRunModel{ID: "p", Type: model.ProcessorPlugin})
		assert.ErrorIs(t, err, sdkerrors.ErrMissingServiceName)
		assert.True(t, sdkerrors.IsDefinition(err))
	})

	t.Run("collect without a writer for its destination", func(t *testing.T) {
		_, err := f.Build(collectProcessor("S3", "bucket/out"))
		assert.ErrorIs(t, err, sdkerrors.ErrUnsupportedDestinationType)
		assert.True(t, sdkerrors.IsDefinition(err))
	})

	t.Run("ingest downstream", func(t *testing.T) {
		_, err := f.Build(model.ProcessorRunModel{ID: "p", Type: model.ProcessorIngest})
		assert.ErrorIs(t, err, sdkerrors.ErrUnsupportedProcessorType)
	})
}

func TestWithServiceCall_PropagatesFailure(t *testing.T) {
	caller := &recordingCaller{err: errors.New("502")}
	inner := UnitFunc(func(context.Context, []byte) ([]byte, error) {
		t.Fatal("inner unit must not run")
		return nil, nil
	})

	_, err := WithServiceCall(inner, caller, "svc", nil).Process(context.Background(), []byte("x"))
	assert.EqualError(t, err, "502")
}
