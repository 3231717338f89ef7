package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/config"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"go.uber.org/zap/zapcore"
)

const definitions = `[
  {"id": "in", "flowId": "wf-1", "name": "in", "type": "INGEST", "phase": 1, "order": 1,
   "inputs": [{"sourceType": "INGEST_FILE_DROP", "sourceLocation": "/tmp/in"}]},
  {"id": "up", "flowId": "wf-1", "name": "upper", "type": "SCRIPT", "phase": 2, "order": 1,
   "inputs": [{"sourceType": "PROCESSOR", "sourceLocation": "in"}],
   "additionalProperties": {"language": "STRINGS", "code": "upper"}}
]`

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGenerateFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defs.json")
	require.NoError(t, os.WriteFile(path, []byte(definitions), 0o644))

	out, err := execute(t, "", "generate", path)
	require.NoError(t, err)

	var plan model.RunPlan
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, "wf-1", plan.FlowID)
	assert.Equal(t, []string{"in"}, plan.StartingProcessors)
	assert.Equal(t, []string{"up"}, plan.ProcessorDependencyMap["in"])
	assert.Equal(t, model.RunStatePending, plan.RunState)
}

func TestGenerateFromStdinWithWorkflowFlag(t *testing.T) {
	out, err := execute(t, definitions, "generate", "-w", "other", "-")
	require.NoError(t, err)
	assert.Contains(t, out, `"flowId": "other"`)
}

func TestGenerateReportsDefinitionErrors(t *testing.T) {
	_, err := execute(t, "[]", "generate", "-")
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrEmptyPlan)

	_, err = execute(t, "{", "generate", "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse definitions")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "daedalus dev (none)\n", out)
}

func TestBootstrapLogger(t *testing.T) {
	logger := bootstrapLogger()
	require.NotNil(t, logger)
	logger.Info("bootstrap")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

// memoryConfig writes a config file selecting the in-memory bus and store.
func memoryConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daedalus.yaml")
	cfg := "log:\n  level: error\nbus:\n  transport: memory\n  status_transport: memory\nstore:\n  backend: memory\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestRunCollectsTransformedInputs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	defs := `[
  {"id": "in", "flowId": "wf-run", "name": "in", "type": "INGEST", "phase": 1, "order": 1,
   "inputs": [{"sourceType": "INGEST_FILE_DROP", "sourceLocation": "/unused"}]},
  {"id": "up", "flowId": "wf-run", "name": "upper", "type": "SCRIPT", "phase": 2, "order": 1,
   "inputs": [{"sourceType": "PROCESSOR", "sourceLocation": "in"}],
   "additionalProperties": {"language": "STRINGS", "code": "upper"}},
  {"id": "save", "flowId": "wf-run", "name": "save", "type": "COLLECT", "phase": 3, "order": 1,
   "inputs": [{"sourceType": "PROCESSOR", "sourceLocation": "up"}],
   "additionalProperties": {"type": "FOLDER", "location": "` + filepath.ToSlash(out) + `"}}
]`
	defsPath := filepath.Join(dir, "defs.json")
	require.NoError(t, os.WriteFile(defsPath, []byte(defs), 0o644))
	input := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(input, []byte("hello"), 0o644))

	stdout, err := execute(t, "", "-c", memoryConfig(t), "run", defsPath, "-i", input)
	require.NoError(t, err)

	var report runReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, model.RunStateCompleted, report.Status.RunState)
	assert.Equal(t, "wf-run", report.Status.FlowID)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(out, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data))
}

func TestRunRejectsUnsupportedDestination(t *testing.T) {
	defs := `[
  {"id": "in", "flowId": "wf-run", "name": "in", "type": "INGEST", "phase": 1, "order": 1,
   "inputs": [{"sourceType": "INGEST_FILE_DROP", "sourceLocation": "/unused"}]},
  {"id": "save", "flowId": "wf-run", "name": "save", "type": "COLLECT", "phase": 2, "order": 1,
   "inputs": [{"sourceType": "PROCESSOR", "sourceLocation": "in"}],
   "additionalProperties": {"type": "TAPE", "location": "/dev/null"}}
]`
	_, err := execute(t, defs, "-c", memoryConfig(t), "run", "-")
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrUnsupportedDestinationType)
}

func TestWorkflowDispatchAndStatus(t *testing.T) {
	cfg := memoryConfig(t)
	out, err := execute(t, definitions, "-c", cfg, "workflow", "dispatch", "-d", "-", "wf-1")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))

	// each invocation opens a fresh in-memory store
	_, err = execute(t, "", "-c", cfg, "workflow", "status", "wf-1")
	assert.ErrorIs(t, err, sdkerrors.ErrRunPlanNotFound)

	_, err = execute(t, "", "-c", cfg, "workflow", "dispatch", "wf-1")
	assert.ErrorIs(t, err, sdkerrors.ErrEmptyPlan)

	_, err = execute(t, definitions, "-c", cfg, "workflow", "redispatch", "-d", "-", "wf-1")
	require.NoError(t, err)
	_, err = execute(t, "", "-c", cfg, "workflow", "stop", "wf-1")
	assert.NoError(t, err)
}
