package stageexec

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justapithecus/orcheval/pkg/config"
	"github.com/justapithecus/orcheval/pkg/eventlog"
	"github.com/justapithecus/orcheval/pkg/models"
	"github.com/justapithecus/orcheval/pkg/orcherr"
	"github.com/justapithecus/orcheval/pkg/rank"
	"github.com/justapithecus/orcheval/pkg/runmemory"
	"github.com/justapithecus/orcheval/pkg/runner"
)

// fakeRunner is a scripted runner.Runner: each call consumes the next
// entry in results (or errs), regardless of the spec it receives.
type fakeRunner struct {
	results []runner.Result
	errs    []error
	calls   []runner.JobSpec
	i       int
}

func (f *fakeRunner) Run(ctx context.Context, spec runner.JobSpec, cfg runner.Config) (runner.Result, error) {
	f.calls = append(f.calls, spec)
	idx := f.i
	f.i++
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	if err != nil {
		return runner.Result{}, err
	}
	if idx < len(f.results) {
		return f.results[idx], nil
	}
	return runner.Result{}, orcherr.NewBlockError(orcherr.ErrRunnerFailed, "fakeRunner: out of scripted results", "", nil)
}

func writeMetricsFile(t *testing.T, dir, jobID string, recall, p95, costPerQuery float64, count int) string {
	t.Helper()
	jobDir := filepath.Join(dir, jobID)
	require.NoError(t, os.MkdirAll(jobDir, 0o755))
	path := filepath.Join(jobDir, "metrics.json")
	doc := map[string]any{
		"job_id": jobID,
		"status": "ok",
		"metrics": map[string]any{
			"recall_at_10":   recall,
			"p95_ms":         p95,
			"cost_per_query": costPerQuery,
			"count":          count,
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestDeps(t *testing.T, r runner.Runner) Deps {
	t.Helper()
	reportsDir := t.TempDir()
	eventsDir := t.TempDir()
	memoryDir := t.TempDir()

	events, err := eventlog.New(eventsDir)
	require.NoError(t, err)
	memory, err := runmemory.New(memoryDir)
	require.NoError(t, err)

	return Deps{
		Runner:     r,
		Events:     events,
		Memory:     memory,
		Cfg:        &config.Config{RunnerTimeoutS: 5},
		ReportsDir: reportsDir,
	}
}

func TestRunSmokeSuccessUpdatesMemoryAndLogsDone(t *testing.T) {
	runsDir := t.TempDir()
	metricsPath := writeMetricsFile(t, runsDir, "smoke-abc123", 0.9, 50, 0.01, 20)

	r := &fakeRunner{results: []runner.Result{{JobID: "smoke-abc123", MetricsPath: metricsPath, Status: "ok"}}}
	deps := newTestDeps(t, r)

	result, err := RunSmoke(context.Background(), deps, "orch-1", models.ExperimentPlan{Dataset: "fiqa"})
	require.NoError(t, err)
	assert.Equal(t, "smoke-abc123", result.JobID)
	assert.InDelta(t, 0.9, result.Metrics.RecallAt10, 1e-9)

	record, err := deps.Memory.Get("orch-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	smoke, ok := record.Metadata["smoke"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "smoke-abc123", smoke["job_id"])

	events, err := deps.Events.ReadEvents("orch-1", 0)
	require.NoError(t, err)
	var sawDone bool
	for _, e := range events {
		if e.EventType == "SMOKE_DONE" {
			sawDone = true
		}
	}
	assert.True(t, sawDone)
}

func TestRunSmokeRunnerFailureUpdatesMemoryAsFailed(t *testing.T) {
	r := &fakeRunner{errs: []error{orcherr.NewBlockError(orcherr.ErrRunnerFailed, "boom", "", nil)}}
	deps := newTestDeps(t, r)

	_, err := RunSmoke(context.Background(), deps, "orch-2", models.ExperimentPlan{Dataset: "fiqa"})
	require.Error(t, err)

	record, err := deps.Memory.Get("orch-2")
	require.NoError(t, err)
	require.NotNil(t, record)
	smoke, ok := record.Metadata["smoke"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failed", smoke["status"])

	events, err := deps.Events.ReadEvents("orch-2", 0)
	require.NoError(t, err)
	var sawFailed bool
	for _, e := range events {
		if e.EventType == "SMOKE_FAILED" {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed)
}

func TestRunSmokeRunnerTimeoutLogsRunnerTimeoutEvent(t *testing.T) {
	r := &fakeRunner{errs: []error{orcherr.NewBlockError(orcherr.ErrRunnerTimeout, "timed out", "", nil)}}
	deps := newTestDeps(t, r)

	_, err := RunSmoke(context.Background(), deps, "orch-3", models.ExperimentPlan{Dataset: "fiqa"})
	require.Error(t, err)

	events, err := deps.Events.ReadEvents("orch-3", 0)
	require.NoError(t, err)
	var sawTimeout bool
	for _, e := range events {
		if e.EventType == "RUNNER_TIMEOUT" {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)
}

func TestRunGridHealthCheckFailureAbortsWholeStage(t *testing.T) {
	r := &fakeRunner{errs: []error{orcherr.NewBlockError(orcherr.ErrHealthCheck, "backend down", "", nil)}}
	deps := newTestDeps(t, r)
	deps.Cfg.Grid = config.StageConfig{TopK: []int{10}, MMR: []any{false}, EfSearch: []int{100}, Concurrency: 2, Sample: 10}

	plan := models.ExperimentPlan{
		Dataset:    "fiqa",
		SampleSize: 10,
		SearchSpace: map[string]any{
			"top_k":     []any{10, 20},
			"mmr":       []any{false},
			"ef_search": []any{100},
		},
	}

	_, err := RunGrid(context.Background(), deps, "orch-4", plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, orcherr.ErrHealthCheck)
	// Only one task should have been attempted before the stage aborted.
	assert.Len(t, r.calls, 1)
}

func TestRunGridPerTaskErrorsContinueToNextTask(t *testing.T) {
	runsDir := t.TempDir()
	okMetrics := writeMetricsFile(t, runsDir, "grid-ok", 0.8, 60, 0.01, 10)

	r := &fakeRunner{
		errs:    []error{orcherr.NewBlockError(orcherr.ErrRunnerFailed, "task failed", "", nil), nil},
		results: []runner.Result{{}, {JobID: "grid-ok", MetricsPath: okMetrics, Status: "ok"}},
	}
	deps := newTestDeps(t, r)
	deps.Cfg.Grid = config.StageConfig{Sample: 10, Concurrency: 2}

	plan := models.ExperimentPlan{
		Dataset:    "fiqa",
		SampleSize: 10,
		SearchSpace: map[string]any{
			"top_k":     []any{10, 20},
			"mmr":       []any{false},
			"ef_search": []any{100},
		},
	}

	result, err := RunGrid(context.Background(), deps, "orch-5", plan)
	require.NoError(t, err)
	require.Len(t, result.Tasks, 2)

	var okCount, errCount int
	for _, task := range result.Tasks {
		if task.Status == "ok" {
			okCount++
		} else {
			errCount++
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, errCount)
}

func TestRunSelectFailsWhenNoSuccessfulConfigs(t *testing.T) {
	deps := newTestDeps(t, &fakeRunner{})
	tasks := []rank.TaskResult{{ConfigID: "a", Status: "error"}}

	_, err := RunSelect(context.Background(), deps, "orch-6", tasks)
	require.Error(t, err)
	assert.ErrorIs(t, err, orcherr.ErrStageFailed)
}

func TestRunSelectPicksTopRankedConfig(t *testing.T) {
	deps := newTestDeps(t, &fakeRunner{})
	tasks := []rank.TaskResult{
		{ConfigID: "slow", Status: "ok", Metrics: map[string]any{"recall_at_10": 0.9, "p95_ms": 200.0, "cost": 0.01}},
		{ConfigID: "fast", Status: "ok", Metrics: map[string]any{"recall_at_10": 0.9, "p95_ms": 50.0, "cost": 0.01}},
	}

	winner, err := RunSelect(context.Background(), deps, "orch-7", tasks)
	require.NoError(t, err)
	assert.Equal(t, "fast", winner.ConfigID)

	record, err := deps.Memory.Get("orch-7")
	require.NoError(t, err)
	require.NotNil(t, record)
	w, ok := record.Metadata["winner"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fast", w["config_id"])
}
