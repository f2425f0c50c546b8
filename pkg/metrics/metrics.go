// Package metrics aggregates metrics.json artifacts produced by runner
// invocations into a weighted summary, and writes the fail-reasons
// top-N CSV consumed by ArtifactPublisher.
package metrics

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/justapithecus/orcheval/pkg/orcherr"
)

// Summary is the weighted aggregation across one or more metrics.json
// sources.
type Summary struct {
	Jobs       []string `json:"jobs"`
	Statuses   []string `json:"statuses"`
	Count      int      `json:"count"`
	RecallAt10 float64  `json:"recall_at_10"`
	P95Ms      float64  `json:"p95_ms"`
	Cost       float64  `json:"cost"`
}

// resolveSources expands glob patterns, resolves directories to
// <dir>/metrics.json, and passes files through unchanged.
func resolveSources(sources []string) ([]string, error) {
	var paths []string
	for _, item := range sources {
		if strings.ContainsAny(item, "*?[") {
			matches, err := filepath.Glob(item)
			if err != nil {
				return nil, orcherr.NewBlockError(orcherr.ErrMetricsUnavailable, err.Error(), "", nil)
			}
			for _, m := range matches {
				if info, err := os.Stat(m); err == nil && !info.IsDir() {
					paths = append(paths, m)
				}
			}
			continue
		}
		info, err := os.Stat(item)
		if err != nil {
			return nil, orcherr.NewBlockError(orcherr.ErrMetricsUnavailable, "metrics source not found: "+item, "", nil)
		}
		if info.IsDir() {
			candidate := filepath.Join(item, "metrics.json")
			if _, err := os.Stat(candidate); err == nil {
				paths = append(paths, candidate)
			}
		} else {
			paths = append(paths, item)
		}
	}
	if len(paths) == 0 {
		return nil, orcherr.NewBlockError(orcherr.ErrMetricsUnavailable, "no metrics paths resolved from the provided sources", "", nil)
	}
	return paths, nil
}

// Aggregate computes the weighted summary across sources. recall_at_10
// and p95_ms are weighted means (weight = count, or 1 when count is 0
// or absent); cost is a plain sum of cost_per_query*weight, matching
// the source's accounting (a total spend, not an average rate).
func Aggregate(sources []string) (Summary, error) {
	paths, err := resolveSources(sources)
	if err != nil {
		return Summary{}, err
	}

	var totalWeight, totalCount int
	var weightedRecall, weightedP95, totalCost float64
	var jobs, statuses []string

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return Summary{}, orcherr.NewBlockError(orcherr.ErrMetricsUnavailable, "failed to read "+path, "", nil)
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return Summary{}, orcherr.NewBlockError(orcherr.ErrMetricsUnavailable, "failed to parse "+path, "", nil)
		}

		metrics, _ := doc["metrics"].(map[string]any)
		if metrics == nil {
			metrics = map[string]any{}
		}
		jobID := stringOr(doc["job_id"], filepath.Base(filepath.Dir(path)))
		status := stringOr(doc["status"], "unknown")
		jobs = append(jobs, jobID)
		statuses = append(statuses, status)

		count := intOr(metrics["count"], 0)
		weight := count
		if weight <= 0 {
			weight = 1
		}
		recall := floatOr(metrics["recall_at_10"], 0.0)
		p95 := floatOr(metrics["p95_ms"], 0.0)
		costPerQuery := floatOr(metrics["cost_per_query"], 0.0)

		totalWeight += weight
		weightedRecall += recall * float64(weight)
		weightedP95 += p95 * float64(weight)
		totalCost += costPerQuery * float64(weight)
		totalCount += count
	}

	summary := Summary{
		Jobs:     jobs,
		Statuses: statuses,
		Count:    totalCount,
		Cost:     totalCost,
	}
	if totalWeight > 0 {
		summary.RecallAt10 = weightedRecall / float64(totalWeight)
		summary.P95Ms = weightedP95 / float64(totalWeight)
	}
	return summary, nil
}

// ResultEntry is one grid/task result contributing to the fail-reasons
// histogram.
type ResultEntry struct {
	Status string
	Error  string
}

// WriteFailTopN writes a "reason,count" CSV of the topN most common
// non-"ok" failure reasons across results (items with status=="ok" are
// skipped; the function itself filters, so callers can pass every
// result, not just failures).
func WriteFailTopN(results []ResultEntry, outputPath string, topN int) error {
	counts := map[string]int{}
	var order []string
	for _, item := range results {
		status := strings.ToLower(item.Status)
		if status == "ok" {
			continue
		}
		reason := item.Error
		if reason == "" {
			reason = item.Status
		}
		if reason == "" {
			reason = "unknown"
		}
		if _, seen := counts[reason]; !seen {
			order = append(order, reason)
		}
		counts[reason]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if topN > 0 && len(order) > topN {
		order = order[:topN]
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"reason", "count"}); err != nil {
		return err
	}
	for _, reason := range order {
		if err := w.Write([]string{reason, strconv.Itoa(counts[reason])}); err != nil {
			return err
		}
	}
	return nil
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func intOr(v any, fallback int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	default:
		return fallback
	}
}

func floatOr(v any, fallback float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return fallback
	}
}
