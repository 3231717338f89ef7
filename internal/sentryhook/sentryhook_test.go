package sentryhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

func TestNewHub_NoDSN(t *testing.T) {
	hub, err := NewHub(Config{})
	require.NoError(t, err)
	assert.Nil(t, hub)
	assert.Nil(t, Hook(hub))
	assert.True(t, Flush(hub, time.Millisecond))
}

func TestNewHub_InvalidDSN(t *testing.T) {
	_, err := NewHub(Config{DSN: "::not a dsn"})
	assert.Error(t, err)
}

func TestHook_CapturesEntry(t *testing.T) {
	var mu sync.Mutex
	var events []*sentry.Event
	hub, err := newHub(sentry.ClientOptions{
		Dsn: "https://public@sentry.example.com/1",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)

	hook := Hook(hub)
	require.NotNil(t, hook)
	hook(context.Background(), pipeline.Entry{
		RunPlanID:   "plan-1",
		ProcessorID: "collect",
		Category:    sdkerrors.CategoryExecution,
		Err:         errors.New("disk full"),
		Exchange:    pipeline.NewExchange([]byte("row"), map[string]string{"fileName": "in.csv"}),
		Timestamp:   time.Now(),
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, "plan-1", event.Tags["run_plan_id"])
	assert.Equal(t, "collect", event.Tags["processor_id"])
	assert.Equal(t, "EXECUTION", event.Tags["category"])
	assert.Equal(t, "in.csv", event.Contexts["exchange"]["fileName"])
	require.NotEmpty(t, event.Exception)
	assert.Equal(t, "disk full", event.Exception[len(event.Exception)-1].Value)
}
