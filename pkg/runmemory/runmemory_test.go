package runmemory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterPlanThenGetReturnsPerRunFile(t *testing.T) {
	mem, err := New(t.TempDir())
	require.NoError(t, err)

	plan := map[string]any{"dataset": "fiqa", "top_k": float64(10)}
	require.NoError(t, mem.RegisterPlan("run-1", plan))

	record, err := mem.Get("run-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "run-1", record.RunID)
	assert.Equal(t, "fiqa", record.Plan["dataset"])
	assert.Empty(t, record.Metadata)
}

func TestGetFallsBackToIndexWhenPerRunFileMissing(t *testing.T) {
	dir := t.TempDir()
	mem, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, mem.RegisterPlan("run-1", map[string]any{"dataset": "fiqa"}))
	require.NoError(t, mem.RegisterPlan("run-2", map[string]any{"dataset": "nq"}))

	// remove run-2's per-run file so Get has to read it off the index.
	require.NoError(t, os.Remove(filepath.Join(dir, "run-2.json")))
	record, err := mem.Get("run-2")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "nq", record.Plan["dataset"])
}

func TestGetUnknownRunReturnsNil(t *testing.T) {
	mem, err := New(t.TempDir())
	require.NoError(t, err)

	record, err := mem.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestUpdateMetadataMergesShallow(t *testing.T) {
	mem, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, mem.RegisterPlan("run-1", map[string]any{"dataset": "fiqa"}))
	require.NoError(t, mem.UpdateMetadata("run-1", map[string]any{"status": "running"}))
	require.NoError(t, mem.UpdateMetadata("run-1", map[string]any{"stage": "SMOKE"}))

	record, err := mem.Get("run-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "running", record.Metadata["status"])
	assert.Equal(t, "SMOKE", record.Metadata["stage"])
}

func TestUpdateMetadataCreatesRecordWhenMissing(t *testing.T) {
	mem, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, mem.UpdateMetadata("run-new", map[string]any{"status": "running"}))

	record, err := mem.Get("run-new")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "running", record.Metadata["status"])
}

func TestUpdateMetadataOverwritesExistingKey(t *testing.T) {
	mem, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, mem.RegisterPlan("run-1", map[string]any{"dataset": "fiqa"}))
	require.NoError(t, mem.UpdateMetadata("run-1", map[string]any{"status": "running"}))
	require.NoError(t, mem.UpdateMetadata("run-1", map[string]any{"status": "completed"}))

	record, err := mem.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", record.Metadata["status"])
}
