package rank

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigsFiltersToOKStatusAndSortsByRecallThenLatencyThenCost(t *testing.T) {
	tasks := []TaskResult{
		{ConfigID: "error-task", Status: "error", Metrics: map[string]any{"recall_at_10": 0.99}},
		{ConfigID: "low-recall", Status: "ok", Metrics: map[string]any{"recall_at_10": 0.7, "p95_ms": 50.0, "cost": 0.01}},
		{ConfigID: "slow", Status: "ok", Metrics: map[string]any{"recall_at_10": 0.9, "p95_ms": 200.0, "cost": 0.01}},
		{ConfigID: "fast", Status: "ok", Metrics: map[string]any{"recall_at_10": 0.9, "p95_ms": 50.0, "cost": 0.02}},
		{ConfigID: "fast-cheap", Status: "ok", Metrics: map[string]any{"recall_at_10": 0.9, "p95_ms": 50.0, "cost": 0.01}},
	}

	ranked := Configs(tasks)
	assert.Len(t, ranked, 4)
	assert.Equal(t, "fast-cheap", ranked[0].ConfigID)
	assert.Equal(t, "fast", ranked[1].ConfigID)
	assert.Equal(t, "slow", ranked[2].ConfigID)
	assert.Equal(t, "low-recall", ranked[3].ConfigID)
}

func TestConfigsTreatsMissingMetricsAsWorstCase(t *testing.T) {
	tasks := []TaskResult{
		{ConfigID: "no-metrics", Status: "ok"},
		{ConfigID: "has-metrics", Status: "ok", Metrics: map[string]any{"recall_at_10": 0.5, "p95_ms": 100.0, "cost": 0.01}},
	}
	ranked := Configs(tasks)
	assert.Equal(t, "has-metrics", ranked[0].ConfigID)
	assert.Equal(t, "no-metrics", ranked[1].ConfigID)
}

func TestParetoFrontDropsDominatedPoints(t *testing.T) {
	rows := []ParetoRow{
		{ConfigID: "a", RecallAt10: 0.95, P95Ms: 200},
		{ConfigID: "b", RecallAt10: 0.90, P95Ms: 100},
		{ConfigID: "c", RecallAt10: 0.80, P95Ms: 150}, // dominated: worse recall AND worse latency than b
		{ConfigID: "d", RecallAt10: 0.70, P95Ms: 50},
	}

	front := ParetoFront(rows)
	var ids []string
	for _, r := range front {
		ids = append(ids, r.ConfigID)
	}
	assert.Equal(t, []string{"a", "b", "d"}, ids)
}

func TestParetoFrontEmptyInput(t *testing.T) {
	assert.Nil(t, ParetoFront(nil))
}
