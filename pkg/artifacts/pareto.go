package artifacts

import "github.com/justapithecus/orcheval/pkg/rank"

// ParetoRows converts ranked grid results (status=="ok" only) into the
// rows RenderParetoChart and rank.ParetoFront both expect.
func ParetoRows(tasks []rank.TaskResult) []rank.ParetoRow {
	var rows []rank.ParetoRow
	for _, t := range tasks {
		if t.Status != "ok" {
			continue
		}
		rows = append(rows, rank.ParetoRow{
			ConfigID:   t.ConfigID,
			RecallAt10: floatOf(t.Metrics, "recall_at_10"),
			P95Ms:      floatOf(t.Metrics, "p95_ms"),
			Cost:       floatOf(t.Metrics, "cost"),
		})
	}
	return rows
}

// RenderParetoChart scatters every successful grid task and overlays the
// Pareto frontier. A nil/empty rows slice still produces a valid (blank)
// chart, matching the publisher's unconditional-file contract.
func RenderParetoChart(rows []rank.ParetoRow, outputPath string) error {
	return renderParetoChart(rows, outputPath)
}
