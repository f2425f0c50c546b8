// Package artifacts renders the PUBLISH stage's report files: the
// Pareto-front scatter chart, the AB grouped-bar chart and diff CSV, the
// fail-reasons top-N CSV, winners.json/winners.md, and the append-only
// winners.final.json ledger shared by every run under the same reports
// directory.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/justapithecus/orcheval/pkg/fingerprint"
	"github.com/justapithecus/orcheval/pkg/metrics"
	"github.com/justapithecus/orcheval/pkg/models"
	"github.com/justapithecus/orcheval/pkg/rank"
)

// PublishInput gathers everything PublishWinner needs from a completed
// run: the ranked grid tasks (for the Pareto chart and fail-reasons
// CSV), the AB stage's result (diff table plus chart/csv paths it may
// have already rendered), the GRID-stage reflection decision, and the
// selected winner.
type PublishInput struct {
	RunID        string
	ReportsDir   string
	Plan         models.ExperimentPlan
	QrelsPath    string
	QueriesPath  string
	Fingerprint  string
	Alignment    map[string]any
	GridTasks    []rank.TaskResult
	GridDecision map[string]any
	ABResult     map[string]any
	Winner       rank.Ranked
	Now          time.Time
}

// PublishWinner writes every report artifact and appends the run's
// winning configuration to the shared winners.final.json ledger,
// returning the relative paths of everything it wrote.
func PublishWinner(in PublishInput) (models.Artifacts, error) {
	runDir := filepath.Join(in.ReportsDir, in.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return models.Artifacts{}, fmt.Errorf("artifacts: create run dir: %w", err)
	}

	paretoPath := filepath.Join(runDir, "pareto.png")
	rows := ParetoRows(in.GridTasks)
	if err := RenderParetoChart(rows, paretoPath); err != nil {
		return models.Artifacts{}, fmt.Errorf("artifacts: render pareto chart: %w", err)
	}

	failTopNPath := filepath.Join(runDir, "fail_topn.csv")
	entries := make([]metrics.ResultEntry, 0, len(in.GridTasks))
	for _, t := range in.GridTasks {
		entries = append(entries, metrics.ResultEntry{Status: t.Status, Error: stringField(t.Parameters, "error")})
	}
	if err := metrics.WriteFailTopN(entries, failTopNPath, 10); err != nil {
		return models.Artifacts{}, fmt.Errorf("artifacts: write fail-topn csv: %w", err)
	}

	abChartPath := stringOr(in.ABResult, "chart_path", paretoPath)
	abCSVPath := stringOr(in.ABResult, "csv_path", failTopNPath)

	generatedAt := in.Now
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}

	winner := models.Winner{
		ConfigID:   in.Winner.ConfigID,
		Metrics:    in.Winner.Metrics,
		Parameters: in.Winner.Parameters,
		JobID:      in.Winner.JobID,
	}

	payload := models.WinnersPayload{
		RunID:           in.RunID,
		GeneratedAt:     generatedAt.Format(time.RFC3339),
		Dataset:         in.Plan.Dataset,
		QueriesPath:     in.QueriesPath,
		QrelsPath:       in.QrelsPath,
		IDNormalization: "digits-only/no-leading-zero",
		Alignment:       in.Alignment,
		Fingerprint:     in.Fingerprint,
		Winner:          winner,
		AB:              in.ABResult,
		GridDecision:    in.GridDecision,
	}

	winnersJSONPath := filepath.Join(runDir, "winners.json")
	if err := writeJSON(winnersJSONPath, payload); err != nil {
		return models.Artifacts{}, fmt.Errorf("artifacts: write winners.json: %w", err)
	}

	winnersMDPath := filepath.Join(runDir, "winners.md")
	if err := os.WriteFile(winnersMDPath, []byte(renderWinnersMarkdown(in.Plan.Dataset, winner)), 0o644); err != nil {
		return models.Artifacts{}, fmt.Errorf("artifacts: write winners.md: %w", err)
	}

	recordHash, err := fingerprint.HashCanonicalJSON(map[string]any{
		"config_id":  winner.ConfigID,
		"parameters": winner.Parameters,
		"metrics":    winner.Metrics,
	})
	if err != nil {
		return models.Artifacts{}, fmt.Errorf("artifacts: hash winner record: %w", err)
	}

	var abDiff map[string]any
	if in.ABResult != nil {
		if d, ok := in.ABResult["diff_table"].(map[string]any); ok {
			abDiff = d
		}
	}

	ledgerEntry := models.LedgerEntry{
		RunID:           in.RunID,
		Timestamp:       generatedAt.Format(time.RFC3339),
		Dataset:         in.Plan.Dataset,
		QueriesPath:     in.QueriesPath,
		QrelsPath:       in.QrelsPath,
		IDNormalization: "digits-only/no-leading-zero",
		Alignment:       in.Alignment,
		Fingerprint:     in.Fingerprint,
		Winner:          winner,
		ABDiff:          abDiff,
		GridDecision:    in.GridDecision,
		Hash:            recordHash,
	}
	ledgerPath := filepath.Join(in.ReportsDir, "winners.final.json")
	if err := appendLedger(ledgerPath, ledgerEntry); err != nil {
		return models.Artifacts{}, fmt.Errorf("artifacts: update winners.final.json: %w", err)
	}

	rel := func(path string) string {
		if r, err := filepath.Rel(in.ReportsDir, path); err == nil {
			return r
		}
		return path
	}

	return models.Artifacts{
		WinnersJSON:      rel(winnersJSONPath),
		WinnersMD:        rel(winnersMDPath),
		ParetoPNG:        rel(paretoPath),
		ABDiffPNG:        rel(abChartPath),
		ABDiffCSV:        rel(abCSVPath),
		FailTopNCSV:      rel(failTopNPath),
		EventsJSONL:      filepath.Join("events", in.RunID+".jsonl"),
		WinnersFinalJSON: rel(ledgerPath),
	}, nil
}

func renderWinnersMarkdown(dataset string, winner models.Winner) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Winner: %s\n\n", winner.ConfigID)
	fmt.Fprintf(&b, "- Config ID: %s\n", winner.ConfigID)
	fmt.Fprintf(&b, "- Dataset: %s\n", dataset)
	fmt.Fprintf(&b, "- Recall@10: %.4f\n", floatOf(winner.Metrics, "recall_at_10"))
	fmt.Fprintf(&b, "- P95 ms: %.2f\n", floatOf(winner.Metrics, "p95_ms"))
	fmt.Fprintf(&b, "- Cost: %.4f\n\n", floatOf(winner.Metrics, "cost"))
	b.WriteString("## Parameters\n\n")

	keys := make([]string, 0, len(winner.Parameters))
	for k := range winner.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, winner.Parameters[k])
	}
	return b.String()
}

// appendLedger handles the three shapes the global ledger file may be
// in: a {"entries": [...]} document, a bare JSON array, or absent
// (first run against this reports dir).
func appendLedger(path string, entry models.LedgerEntry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		return writeJSON(path, []models.LedgerEntry{entry})
	}

	var asObject map[string]any
	if err := json.Unmarshal(data, &asObject); err == nil {
		if rawEntries, ok := asObject["entries"]; ok {
			entries, err := decodeEntries(rawEntries)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			asObject["entries"] = entries
			return writeJSON(path, asObject)
		}
	}

	var asList []models.LedgerEntry
	if err := json.Unmarshal(data, &asList); err == nil {
		asList = append(asList, entry)
		return writeJSON(path, asList)
	}

	return writeJSON(path, []models.LedgerEntry{entry})
}

func decodeEntries(raw any) ([]models.LedgerEntry, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var entries []models.LedgerEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func stringOr(m map[string]any, key, fallback string) string {
	if m == nil {
		return fallback
	}
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
