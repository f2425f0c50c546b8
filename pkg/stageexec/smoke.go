package stageexec

import (
	"context"
	"errors"
	"time"

	"github.com/justapithecus/orcheval/pkg/metrics"
	"github.com/justapithecus/orcheval/pkg/models"
	"github.com/justapithecus/orcheval/pkg/orcherr"
	"github.com/justapithecus/orcheval/pkg/reflect"
)

// SmokeResult is SMOKE's outcome: the single sanity-check job and its
// aggregated metrics.
type SmokeResult struct {
	JobID   string
	Metrics metrics.Summary
}

func summaryToMap(s metrics.Summary) map[string]any {
	return map[string]any{
		"recall_at_10": s.RecallAt10,
		"p95_ms":       s.P95Ms,
		"cost":         s.Cost,
	}
}

// RunSmoke executes the single smoke-test job at the stage's static
// configuration and folds its result into run memory.
func RunSmoke(ctx context.Context, deps Deps, runID string, plan models.ExperimentPlan) (SmokeResult, error) {
	const stage = "SMOKE"
	_ = deps.Events.LogStageEvent(runID, stage, "STARTED", nil)
	start := time.Now()

	spec := buildJobSpec("smoke", deps.Cfg.Smoke, plan.Dataset, stringMeta(plan.Metadata, "qrels_path"), stringMeta(plan.Metadata, "queries_path"), deps.Cfg.RunnerTimeoutS)
	result, err := deps.Runner.Run(ctx, spec, runnerConfig(deps.Cfg))
	if err != nil {
		if errors.Is(err, orcherr.ErrRunnerTimeout) {
			_ = deps.Events.LogEvent(runID, "RUNNER_TIMEOUT", map[string]any{"stage": stage})
		}
		_ = deps.Memory.UpdateMetadata(runID, map[string]any{"smoke": map[string]any{"status": "failed", "error": err.Error()}})
		logFailure(deps.Events, runID, stage, err)
		return SmokeResult{}, err
	}

	summary, err := metrics.Aggregate([]string{result.MetricsPath})
	if err != nil {
		_ = deps.Memory.UpdateMetadata(runID, map[string]any{"smoke": map[string]any{"status": "failed", "error": err.Error()}})
		logFailure(deps.Events, runID, stage, err)
		return SmokeResult{}, err
	}

	if err := deps.Memory.UpdateMetadata(runID, map[string]any{
		"smoke": map[string]any{"job_id": result.JobID, "metrics": summaryToMap(summary)},
	}); err != nil {
		return SmokeResult{}, err
	}

	durationMs := int(time.Since(start).Milliseconds())
	_ = deps.Events.LogStageEvent(runID, stage, "DONE", map[string]any{
		"duration_ms": durationMs,
		"job_id":      result.JobID,
		"metrics":     summaryToMap(summary),
	})

	if _, err := reflectionStage(ctx, deps, runID, stage, reflect.KPIs{Metrics: summaryToMap(summary), DurationMs: durationMs}); err != nil {
		return SmokeResult{}, err
	}

	return SmokeResult{JobID: result.JobID, Metrics: summary}, nil
}

func stringMeta(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	s, _ := metadata[key].(string)
	return s
}
