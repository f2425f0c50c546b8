package artifacts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justapithecus/orcheval/pkg/models"
	"github.com/justapithecus/orcheval/pkg/rank"
)

func TestRenderParetoChartWritesValidPNGEvenWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pareto.png")
	require.NoError(t, RenderParetoChart(nil, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestParetoRowsFiltersToOKStatus(t *testing.T) {
	tasks := []rank.TaskResult{
		{ConfigID: "a", Status: "ok", Metrics: map[string]any{"recall_at_10": 0.9, "p95_ms": 80.0, "cost": 0.01}},
		{ConfigID: "b", Status: "error", Metrics: map[string]any{"recall_at_10": 0.5}},
	}
	rows := ParetoRows(tasks)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].ConfigID)
}

func TestComputeDiffAndWriteCSV(t *testing.T) {
	baseline := map[string]any{"recall_at_10": 0.80, "p95_ms": 100.0, "cost": 0.02}
	challenger := map[string]any{"recall_at_10": 0.85, "p95_ms": 90.0, "cost": 0.03}

	diffs := ComputeDiff(baseline, challenger)
	require.Len(t, diffs, 3)
	assert.InDelta(t, 0.05, diffs[0].Delta, 1e-9)

	path := filepath.Join(t.TempDir(), "diff.csv")
	require.NoError(t, WriteDiffCSV(diffs, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "recall_at_10")
}

func TestAppendLedgerCreatesListWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "winners.final.json")
	entry := models.LedgerEntry{RunID: "orch-1", Winner: models.Winner{ConfigID: "cfg-a"}}
	require.NoError(t, appendLedger(path, entry))

	var list []models.LedgerEntry
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "orch-1", list[0].RunID)
}

func TestAppendLedgerAppendsToExistingObjectShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "winners.final.json")
	existing := map[string]any{"entries": []models.LedgerEntry{{RunID: "orch-0"}}}
	require.NoError(t, writeJSON(path, existing))

	require.NoError(t, appendLedger(path, models.LedgerEntry{RunID: "orch-1"}))

	var doc map[string]any
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	entries, ok := doc["entries"].([]any)
	require.True(t, ok)
	assert.Len(t, entries, 2)
}

func TestAppendLedgerAppendsToBareListShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "winners.final.json")
	require.NoError(t, writeJSON(path, []models.LedgerEntry{{RunID: "orch-0"}}))

	require.NoError(t, appendLedger(path, models.LedgerEntry{RunID: "orch-1"}))

	var list []models.LedgerEntry
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list, 2)
}

func TestPublishWinnerWritesAllArtifacts(t *testing.T) {
	reportsDir := t.TempDir()
	tasks := []rank.TaskResult{
		{ConfigID: "cfg-a", Status: "ok", Metrics: map[string]any{"recall_at_10": 0.9, "p95_ms": 80.0, "cost": 0.01}},
		{ConfigID: "cfg-b", Status: "error", Parameters: map[string]any{"error": "timeout"}},
	}
	ranked := rank.Configs(tasks)
	require.NotEmpty(t, ranked)

	artifacts, err := PublishWinner(PublishInput{
		RunID:      "orch-test-1",
		ReportsDir: reportsDir,
		Plan:       models.ExperimentPlan{Dataset: "fiqa"},
		Winner:     ranked[0],
		GridTasks:  tasks,
	})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(reportsDir, "orch-test-1", "winners.json"))
	assert.FileExists(t, filepath.Join(reportsDir, "orch-test-1", "winners.md"))
	assert.FileExists(t, filepath.Join(reportsDir, "orch-test-1", "fail_topn.csv"))
	assert.FileExists(t, filepath.Join(reportsDir, "winners.final.json"))
	assert.Equal(t, filepath.Join("orch-test-1", "winners.json"), artifacts.WinnersJSON)
}
