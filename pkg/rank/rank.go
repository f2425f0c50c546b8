// Package rank implements the grid-result ranking rule shared by the
// AB, SELECT, and PUBLISH stages, plus the Pareto-front filter used by
// ArtifactPublisher's scatter chart.
package rank

import (
	"math"
	"sort"
)

// TaskResult is the subset of a grid task outcome the ranking and
// Pareto-front routines need.
type TaskResult struct {
	ConfigID   string
	Status     string
	Metrics    map[string]any
	Parameters map[string]any
	JobID      string
}

// Ranked is one ordered entry produced by Configs.
type Ranked struct {
	ConfigID   string
	Metrics    map[string]any
	Parameters map[string]any
	JobID      string
}

// Configs filters tasks to status=="ok" and sorts by
// (-recall_at_10, p95_ms, cost), ties broken by original list order
// (sort.SliceStable).
func Configs(tasks []TaskResult) []Ranked {
	var ranked []Ranked
	for _, t := range tasks {
		if t.Status != "ok" {
			continue
		}
		ranked = append(ranked, Ranked{
			ConfigID:   t.ConfigID,
			Metrics:    t.Metrics,
			Parameters: t.Parameters,
			JobID:      t.JobID,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := metricFloat(ranked[i].Metrics, "recall_at_10", 0), metricFloat(ranked[j].Metrics, "recall_at_10", 0)
		if ri != rj {
			return ri > rj
		}
		pi, pj := metricFloat(ranked[i].Metrics, "p95_ms", math.Inf(1)), metricFloat(ranked[j].Metrics, "p95_ms", math.Inf(1))
		if pi != pj {
			return pi < pj
		}
		ci, cj := metricFloat(ranked[i].Metrics, "cost", math.Inf(1)), metricFloat(ranked[j].Metrics, "cost", math.Inf(1))
		return ci < cj
	})
	return ranked
}

func metricFloat(metrics map[string]any, key string, fallback float64) float64 {
	if metrics == nil {
		return fallback
	}
	switch v := metrics[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

// ParetoRow is one chart point for ParetoFront.
type ParetoRow struct {
	ConfigID   string
	RecallAt10 float64
	P95Ms      float64
	Cost       float64
}

// ParetoFront sorts rows by (-recall_at_10, p95_ms) and keeps a point
// whenever its latency is no worse than the running minimum, producing
// the non-dominated frontier in plot order.
func ParetoFront(rows []ParetoRow) []ParetoRow {
	if len(rows) == 0 {
		return nil
	}
	indices := make([]int, len(rows))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		ia, ib := indices[a], indices[b]
		if rows[ia].RecallAt10 != rows[ib].RecallAt10 {
			return rows[ia].RecallAt10 > rows[ib].RecallAt10
		}
		return rows[ia].P95Ms < rows[ib].P95Ms
	})

	var front []ParetoRow
	bestLatency := math.Inf(1)
	for _, idx := range indices {
		if rows[idx].P95Ms <= bestLatency {
			front = append(front, rows[idx])
			bestLatency = rows[idx].P95Ms
		}
	}
	return front
}
