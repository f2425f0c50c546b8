package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeGridIsDeterministic(t *testing.T) {
	plan := Plan{
		Dataset:    "fiqa",
		SampleSize: 200,
		SearchSpace: map[string]any{
			"top_k":     []any{10, 20},
			"mmr":       []any{false, true},
			"ef_search": []any{64, 128},
		},
	}
	cfg := map[string]any{"grid": map[string]any{"concurrency": 2}}

	batchesA, err := MakeGrid(plan, cfg)
	require.NoError(t, err)
	batchesB, err := MakeGrid(plan, cfg)
	require.NoError(t, err)
	assert.Equal(t, batchesA, batchesB)

	var configIDs []string
	for _, b := range batchesA {
		for _, task := range b.Tasks {
			configIDs = append(configIDs, task.ConfigID)
		}
	}
	assert.Equal(t, []string{
		"fiqa-k10-ef64-nommr",
		"fiqa-k10-ef128-nommr",
		"fiqa-k10-ef64-mmr-l0p3",
		"fiqa-k10-ef128-mmr-l0p3",
		"fiqa-k20-ef64-nommr",
		"fiqa-k20-ef128-nommr",
		"fiqa-k20-ef64-mmr-l0p3",
		"fiqa-k20-ef128-mmr-l0p3",
	}, configIDs)
}

func TestMakeGridChunksBatchesByConcurrency(t *testing.T) {
	plan := Plan{
		Dataset:    "fiqa",
		SampleSize: 50,
		SearchSpace: map[string]any{
			"top_k":     []any{10, 20, 30},
			"ef_search": []any{64},
			"mmr":       []any{false},
		},
	}
	cfg := map[string]any{"grid": map[string]any{"concurrency": 2}}

	batches, err := MakeGrid(plan, cfg)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "grid-batch-01", batches[0].BatchID)
	assert.Len(t, batches[0].Tasks, 2)
	assert.Equal(t, "grid-batch-02", batches[1].BatchID)
	assert.Len(t, batches[1].Tasks, 1)
}

func TestMakeGridPlanConcurrencyOverridesConfig(t *testing.T) {
	concurrency := 5
	plan := Plan{
		Dataset:     "fiqa",
		SampleSize:  50,
		Concurrency: &concurrency,
		SearchSpace: map[string]any{
			"top_k":     []any{10},
			"ef_search": []any{64},
			"mmr":       []any{false},
		},
	}
	cfg := map[string]any{"grid": map[string]any{"concurrency": 1}}

	batches, err := MakeGrid(plan, cfg)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 5, batches[0].Concurrency)
}

func TestMakeGridRejectsEmptySearchValues(t *testing.T) {
	plan := Plan{Dataset: "fiqa", SampleSize: 50, SearchSpace: map[string]any{}}
	cfg := map[string]any{"grid": map[string]any{"concurrency": 1}}

	_, err := MakeGrid(plan, cfg)
	assert.Error(t, err)
}

func TestMakeGridRejectsNonPositiveConcurrency(t *testing.T) {
	concurrency := 0
	plan := Plan{
		Dataset:     "fiqa",
		SampleSize:  50,
		Concurrency: &concurrency,
		SearchSpace: map[string]any{"top_k": []any{10}, "ef_search": []any{64}},
	}
	_, err := MakeGrid(plan, map[string]any{})
	assert.Error(t, err)
}

func TestNormalizeMMRVariants(t *testing.T) {
	entry, err := normalizeMMR(true)
	require.NoError(t, err)
	assert.Equal(t, mmrEntry{enabled: true, lambda: 0.3}, entry)

	entry, err = normalizeMMR(nil)
	require.NoError(t, err)
	assert.Equal(t, mmrEntry{enabled: false, lambda: 0.0}, entry)

	entry, err = normalizeMMR(0.75)
	require.NoError(t, err)
	assert.Equal(t, mmrEntry{enabled: true, lambda: 0.75}, entry)

	entry, err = normalizeMMR(-1.0)
	require.NoError(t, err)
	assert.Equal(t, mmrEntry{enabled: false, lambda: 0.0}, entry)

	_, err = normalizeMMR("garbage")
	assert.Error(t, err)
}
