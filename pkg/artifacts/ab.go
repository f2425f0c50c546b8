package artifacts

import (
	"encoding/csv"
	"os"
	"strconv"
)

// abMetricKeys fixes the comparison order: recall_at_10, p95_ms, cost.
var abMetricKeys = []string{"recall_at_10", "p95_ms", "cost"}

// Diff is one metric's baseline/challenger/delta row.
type Diff struct {
	Metric     string  `json:"metric"`
	Baseline   float64 `json:"baseline"`
	Challenger float64 `json:"challenger"`
	Delta      float64 `json:"delta"`
}

// ComputeDiff builds the fixed three-row delta table, delta = challenger - baseline.
func ComputeDiff(baseline, challenger map[string]any) []Diff {
	diffs := make([]Diff, 0, len(abMetricKeys))
	for _, key := range abMetricKeys {
		b := floatOf(baseline, key)
		c := floatOf(challenger, key)
		diffs = append(diffs, Diff{Metric: key, Baseline: b, Challenger: c, Delta: c - b})
	}
	return diffs
}

// DiffTable renders diffs as a map keyed by metric, the shape the
// winners.json/status payloads embed.
func DiffTable(diffs []Diff) map[string]any {
	table := make(map[string]any, len(diffs))
	for _, d := range diffs {
		table[d.Metric] = map[string]any{
			"baseline":   d.Baseline,
			"challenger": d.Challenger,
			"delta":      d.Delta,
		}
	}
	return table
}

// WriteDiffCSV writes "metric,baseline,challenger,delta" rows.
func WriteDiffCSV(diffs []Diff, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"metric", "baseline", "challenger", "delta"}); err != nil {
		return err
	}
	for _, d := range diffs {
		row := []string{
			d.Metric,
			strconv.FormatFloat(d.Baseline, 'f', 4, 64),
			strconv.FormatFloat(d.Challenger, 'f', 4, 64),
			strconv.FormatFloat(d.Delta, 'f', 4, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

// RenderChart draws the baseline-vs-challenger grouped bar chart.
func RenderChart(diffs []Diff, outputPath string) error {
	metrics := make([]abMetric, 0, len(diffs))
	for _, d := range diffs {
		metrics = append(metrics, abMetric{Name: d.Metric, Baseline: d.Baseline, Challenger: d.Challenger})
	}
	return renderABChart(metrics, outputPath)
}

func floatOf(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
