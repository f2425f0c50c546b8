// Package stageexec implements the five pipeline stage bodies: SMOKE,
// GRID, AB, SELECT, and PUBLISH, each following the same shape: log
// "<STAGE>_STARTED", run the stage's work, log "<STAGE>_DONE" or
// "<STAGE>_FAILED", and end with a post-stage reflection. Pipeline
// sequences these; Scheduler owns everything upstream of a run's first
// stage.
package stageexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/justapithecus/orcheval/pkg/config"
	"github.com/justapithecus/orcheval/pkg/eventlog"
	"github.com/justapithecus/orcheval/pkg/orcherr"
	"github.com/justapithecus/orcheval/pkg/reflect"
	"github.com/justapithecus/orcheval/pkg/runmemory"
	"github.com/justapithecus/orcheval/pkg/runner"
	"github.com/justapithecus/orcheval/pkg/sla"
)

// Deps bundles the components every stage function is wired against.
type Deps struct {
	Runner     runner.Runner
	Events     *eventlog.Logger
	Memory     *runmemory.Memory
	Cfg        *config.Config
	Adapter    reflect.LMAdapter
	Cache      *reflect.Cache
	ReportsDir string
}

func runnerConfig(cfg *config.Config) runner.Config {
	return runner.Config{
		BaseURL:         cfg.BaseURL,
		AllowedHosts:    cfg.AllowedHosts,
		HostAliases:     cfg.HostAliases,
		HealthEndpoints: cfg.HealthEndpoints,
		HealthTimeoutS:  cfg.HealthTimeoutS,
		RunnerCmd:       cfg.RunnerCmd,
		RunsDir:         cfg.RunsDir,
		MockRunner:      cfg.MockRunner,
	}
}

// buildJobSpec resolves a stage's JobSpec from its static config and the
// plan's dataset/paths, defaulting top_k/ef_search to the stage
// config's first configured value.
func buildJobSpec(jobPrefix string, sc config.StageConfig, dataset, qrelsPath, queriesPath string, runnerTimeoutS float64) runner.JobSpec {
	topK := 10
	if len(sc.TopK) > 0 {
		topK = sc.TopK[0]
	}
	var efSearch *int
	if len(sc.EfSearch) > 0 {
		v := sc.EfSearch[0]
		efSearch = &v
	}
	mmr, lambda := mmrDefault(sc.MMR)

	return runner.JobSpec{
		JobPrefix:      jobPrefix,
		Dataset:        dataset,
		Sample:         sc.Sample,
		TopK:           topK,
		Concurrency:    sc.Concurrency,
		MMR:            mmr,
		MMRLambda:      lambda,
		EfSearch:       efSearch,
		QrelsPath:      qrelsPath,
		QueriesPath:    queriesPath,
		TimeoutS:       sc.TimeoutS,
		MaxRetries:     sc.MaxRetries,
		BackoffS:       sc.BackoffS,
		RatePerSec:     sc.RateLimitPerSec,
		RunnerTimeoutS: runnerTimeoutS,
	}
}

func mmrDefault(values []any) (bool, float64) {
	for _, v := range values {
		switch t := v.(type) {
		case bool:
			if t {
				return true, 0.3
			}
		case float64:
			if t > 0 {
				return true, t
			}
		}
	}
	return false, 0
}

// slaMetrics reduces an aggregated metrics summary into the three
// values the SLA checker compares against policy thresholds.
func slaMetrics(m map[string]any) sla.Metrics {
	return sla.Metrics{
		RecallAt10: floatAt(m, "recall_at_10"),
		P95Ms:      floatAt(m, "p95_ms"),
		Cost:       floatAt(m, "cost"),
	}
}

func floatAt(m map[string]any, key string) float64 {
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

// reflectionStage runs the shared post-stage reflection: verify SLA,
// summarize (rule-based or LLM), persist the full and lite rationale
// files under reports/<run_id>/, log REFLECT_STARTED/REFLECT_DONE, and
// merge the decision's next actions into RunMemory.
func reflectionStage(ctx context.Context, deps Deps, runID, stage string, kpis reflect.KPIs) (reflect.Summary, error) {
	stageUpper := strings.ToUpper(stage)
	metrics := slaMetrics(kpis.Metrics)
	verdict := sla.Verify(metrics, deps.Cfg.SLAPolicyPath)

	record, err := deps.Memory.Get(runID)
	if err != nil {
		return reflect.Summary{}, err
	}
	spentCost := 0.0
	if record != nil {
		if v, ok := record.Metadata["reflection_spent_cost"].(float64); ok {
			spentCost = v
		}
	}

	_ = deps.Events.LogEvent(runID, "REFLECT_STARTED", map[string]any{"stage": stageUpper})

	llmCfg := reflect.LLMConfig{
		Enable:     deps.Cfg.LLM.Enable,
		Provider:   deps.Cfg.LLM.Provider,
		Model:      deps.Cfg.LLM.Model,
		MaxTokens:  deps.Cfg.LLM.MaxTokens,
		CostCapUSD: deps.Cfg.LLM.CostCapUSD,
	}
	sv := reflect.SLAView{Verdict: verdict.Verdict}
	for _, c := range verdict.Checks {
		sv.Checks = append(sv.Checks, reflect.SLAViewCheck{Metric: c.Metric, Status: c.Status})
	}

	summary := reflect.Summarize(ctx, stageUpper, kpis, sv, llmCfg, deps.Adapter, deps.Cache, "", spentCost)

	runDir := filepath.Join(deps.ReportsDir, runID)
	if err := writeReflectionFiles(runDir, stageUpper, summary); err != nil {
		return summary, err
	}

	reflections := map[string]any{}
	if record != nil {
		if existing, ok := record.Metadata["reflections"].(map[string]any); ok {
			reflections = existing
		}
	}
	reflections[stageUpper] = map[string]any{"next_actions": summary.NextActions}

	if err := deps.Memory.UpdateMetadata(runID, map[string]any{
		"reflections":           reflections,
		"reflection_spent_cost": spentCost + summary.CostUSD,
	}); err != nil {
		return summary, err
	}

	_ = deps.Events.LogEvent(runID, "REFLECT_DONE", map[string]any{
		"stage":      stageUpper,
		"model":      summary.Model,
		"tokens":     summary.Tokens,
		"cost_usd":   summary.CostUSD,
		"confidence": summary.Confidence,
		"cache_hit":  summary.CacheHit,
		"blocked":    summary.Blocked,
		"elapsed_ms": summary.ElapsedMs,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
	return summary, nil
}

func writeReflectionFiles(runDir, stage string, summary reflect.Summary) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("stageexec: create run dir: %w", err)
	}
	fullPath := filepath.Join(runDir, "reflection_"+stage+".md")
	if err := os.WriteFile(fullPath, []byte(summary.RationaleMD), 0o644); err != nil {
		return fmt.Errorf("stageexec: write %s: %w", fullPath, err)
	}
	litePath := filepath.Join(runDir, "reflection_"+stage+"_lite.md")
	if err := os.WriteFile(litePath, []byte(summary.RationaleMDLite), 0o644); err != nil {
		return fmt.Errorf("stageexec: write %s: %w", litePath, err)
	}
	return nil
}

// logFailure builds the {type, msg, hint?, details?} error payload and
// logs "<STAGE>_FAILED".
func logFailure(events *eventlog.Logger, runID, stage string, err error) {
	_ = events.LogStageEvent(runID, stage, "FAILED", map[string]any{
		"error":     orcherr.Payload(err),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
