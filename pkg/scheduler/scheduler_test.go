package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justapithecus/orcheval/pkg/config"
	"github.com/justapithecus/orcheval/pkg/eventlog"
	"github.com/justapithecus/orcheval/pkg/models"
	"github.com/justapithecus/orcheval/pkg/orcherr"
	"github.com/justapithecus/orcheval/pkg/runmemory"
	"github.com/justapithecus/orcheval/pkg/runner"
	"github.com/justapithecus/orcheval/pkg/stageexec"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	deps := stageexec.Deps{
		Runner: runner.NewAdapter(),
		Cfg: &config.Config{
			MockRunner:     true,
			RunnerTimeoutS: 5,
			BaselinePolicy: "default",
			Run:            config.RunConfig{ConcurrencyLimit: 2, QueueSize: 4},
		},
		ReportsDir: t.TempDir(),
	}

	events, err := eventlog.New(t.TempDir())
	require.NoError(t, err)
	deps.Events = events

	memory, err := runmemory.New(t.TempDir())
	require.NoError(t, err)
	deps.Memory = memory

	policies := map[string]config.Policy{
		"default": {Dataset: "fiqa", QueriesPath: "queries.json", QrelsPath: "qrels.json", TopK: 10},
	}

	s := New(deps.Cfg, policies, deps)
	t.Cleanup(s.Stop)
	return s
}

func testPlan() models.ExperimentPlan {
	return models.ExperimentPlan{
		Dataset:    "fiqa",
		SampleSize: 5,
		SearchSpace: map[string]any{
			"top_k":     []any{10},
			"mmr":       []any{false},
			"ef_search": []any{100},
		},
		BaselineID: "default",
	}
}

func TestStartAlignmentBlockWhenPathsUnresolvable(t *testing.T) {
	s := newTestScheduler(t)
	plan := testPlan()
	plan.BaselineID = ""
	s.cfg.BaselinePolicy = "missing-policy"

	_, _, err := s.Start(context.Background(), plan, false, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, orcherr.ErrAlignmentBlock)
}

func TestStartDatasetBlockWhenDisabled(t *testing.T) {
	s := newTestScheduler(t)
	s.cfg.Datasets.Disabled = []string{"fiqa"}

	_, _, err := s.Start(context.Background(), testPlan(), false, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, orcherr.ErrDatasetBlock)
}

func TestStartDatasetBlockWhenNotWhitelisted(t *testing.T) {
	s := newTestScheduler(t)
	s.cfg.Datasets.Whitelist = []string{"other-dataset"}

	_, _, err := s.Start(context.Background(), testPlan(), false, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, orcherr.ErrDatasetBlock)
}

func TestStartBudgetBlockWhenConcurrentRunsExceeded(t *testing.T) {
	s := newTestScheduler(t)
	s.cfg.Budget.MaxConcurrentRuns = 1
	s.futures["in-flight-run"] = &future{fingerprintKey: "irrelevant", done: make(chan struct{})}

	_, _, err := s.Start(context.Background(), testPlan(), false, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, orcherr.ErrBudgetBlock)
}

func TestStartForcesDryRunWhenCommitFalse(t *testing.T) {
	s := newTestScheduler(t)

	submit, dryRunResult, err := s.Start(context.Background(), testPlan(), false, false)
	require.NoError(t, err)
	assert.Nil(t, submit)
	require.NotNil(t, dryRunResult)
	assert.True(t, dryRunResult.DryRun)
	assert.NotEmpty(t, dryRunResult.RunID)
	assert.NotEmpty(t, dryRunResult.Fingerprint)
}

func TestStartEnqueuesAndRunsToCompletion(t *testing.T) {
	s := newTestScheduler(t)

	submit, dryRunResult, err := s.Start(context.Background(), testPlan(), false, true)
	require.NoError(t, err)
	require.Nil(t, dryRunResult)
	require.NotNil(t, submit)
	assert.False(t, submit.Idempotent)
	assert.False(t, submit.DryRun)
	assert.NotEmpty(t, submit.RunID)

	runID := submit.RunID
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := s.GetStatus(runID, "full")
		require.NoError(t, err)
		if status.Status == "completed" || status.Status == "failed" {
			assert.Equal(t, "completed", status.Status)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not complete before deadline")
}

func TestStartIsIdempotentForIdenticalPlan(t *testing.T) {
	s := newTestScheduler(t)

	first, _, err := s.Start(context.Background(), testPlan(), false, true)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, _, err := s.Start(context.Background(), testPlan(), false, true)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.RunID, second.RunID)
}

func TestGetStatusUnknownRunReturnsErrRunNotFound(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.GetStatus("does-not-exist", "full")
	require.Error(t, err)
	assert.ErrorIs(t, err, orcherr.ErrRunNotFound)
}
