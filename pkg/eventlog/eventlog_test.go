package eventlog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogEventAppendsAndReads(t *testing.T) {
	logger, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, logger.Initialize("run-1"))
	require.NoError(t, logger.LogEvent("run-1", "RUN_STARTED", map[string]any{"dataset": "fiqa"}))
	require.NoError(t, logger.LogEvent("run-1", "RUN_COMPLETED", nil))

	events, err := logger.ReadEvents("run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "RUN_STARTED", events[0].EventType)
	assert.Equal(t, "fiqa", events[0].Payload["dataset"])
	assert.Equal(t, "RUN_COMPLETED", events[1].EventType)
	assert.NotEmpty(t, events[1].CreatedAt)
}

func TestLogStageEventSynthesizesTypeAndStage(t *testing.T) {
	logger, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, logger.LogStageEvent("run-1", "smoke", "started", map[string]any{"timestamp": "x"}))
	events, err := logger.ReadEvents("run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "SMOKE_STARTED", events[0].EventType)
	assert.Equal(t, "SMOKE", events[0].Payload["stage"])
}

func TestReadEventsHonorsLimit(t *testing.T) {
	logger, err := New(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, logger.LogEvent("run-1", fmt.Sprintf("EVT_%d", i), nil))
	}
	events, err := logger.ReadEvents("run-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "EVT_3", events[0].EventType)
	assert.Equal(t, "EVT_4", events[1].EventType)
}

func TestReadEventsUnknownRunReturnsEmpty(t *testing.T) {
	logger, err := New(t.TempDir())
	require.NoError(t, err)

	events, err := logger.ReadEvents("missing", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLogEventConcurrentWritersAppendEveryLine(t *testing.T) {
	logger, err := New(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = logger.LogEvent("run-concurrent", "TASK_DONE", map[string]any{"i": i})
		}(i)
	}
	wg.Wait()

	events, err := logger.ReadEvents("run-concurrent", 0)
	require.NoError(t, err)
	assert.Len(t, events, n)
}
