package stageexec

import (
	"context"
	"errors"
	"time"

	"github.com/justapithecus/orcheval/pkg/config"
	"github.com/justapithecus/orcheval/pkg/metrics"
	"github.com/justapithecus/orcheval/pkg/models"
	"github.com/justapithecus/orcheval/pkg/orcherr"
	"github.com/justapithecus/orcheval/pkg/planner"
	"github.com/justapithecus/orcheval/pkg/rank"
	"github.com/justapithecus/orcheval/pkg/reflect"
	"github.com/justapithecus/orcheval/pkg/runner"
)

// GridResult is GRID's outcome: every task's result, the weighted
// aggregate across all successes, and the early-stop/shrink/keep
// decision that determines whether Pipeline proceeds to AB.
type GridResult struct {
	Decision     reflect.Decision
	Aggregate    metrics.Summary
	Tasks        []rank.TaskResult
	MetricsPaths []string
}

// RunGrid builds the deterministic search grid, runs every task within
// its batch's concurrency limit, and reflects on the batch of results
// to decide whether to proceed, shrink, or stop early.
func RunGrid(ctx context.Context, deps Deps, runID string, plan models.ExperimentPlan) (GridResult, error) {
	const stage = "GRID"
	_ = deps.Events.LogStageEvent(runID, stage, "STARTED", nil)
	start := time.Now()

	batches, err := planner.MakeGrid(gridPlan(plan), gridCfgMap(deps.Cfg))
	if err != nil {
		logFailure(deps.Events, runID, stage, err)
		return GridResult{}, err
	}

	qrelsPath := stringMeta(plan.Metadata, "qrels_path")
	queriesPath := stringMeta(plan.Metadata, "queries_path")

	var taskResults []rank.TaskResult
	var metricsPaths []string

	for _, batch := range batches {
		_ = deps.Events.LogEvent(runID, "GRID_BATCH_STARTED", map[string]any{
			"batch_id":    batch.BatchID,
			"concurrency": batch.Concurrency,
			"task_count":  len(batch.Tasks),
		})

		for _, task := range batch.Tasks {
			spec := gridTaskJobSpec(task, deps.Cfg.Grid, plan.Dataset, qrelsPath, queriesPath, deps.Cfg.RunnerTimeoutS)
			result, runErr := deps.Runner.Run(ctx, spec, runnerConfig(deps.Cfg))
			if runErr != nil {
				if errors.Is(runErr, orcherr.ErrRunnerTimeout) {
					_ = deps.Events.LogEvent(runID, "RUNNER_TIMEOUT", map[string]any{"stage": stage, "config_id": task.ConfigID})
					logFailure(deps.Events, runID, stage, runErr)
					return GridResult{}, runErr
				}
				if errors.Is(runErr, orcherr.ErrHealthCheck) {
					_ = deps.Events.LogEvent(runID, "HEALTH_FAIL", map[string]any{"stage": stage})
					logFailure(deps.Events, runID, stage, runErr)
					return GridResult{}, runErr
				}
				taskResults = append(taskResults, rank.TaskResult{
					ConfigID:   task.ConfigID,
					Status:     "error",
					Metrics:    map[string]any{},
					Parameters: withError(task.Parameters, runErr),
				})
				_ = deps.Events.LogEvent(runID, "GRID_TASK_FAILED", map[string]any{
					"config_id": task.ConfigID,
					"error":     orcherr.Payload(runErr),
				})
				continue
			}

			summary, aggErr := metrics.Aggregate([]string{result.MetricsPath})
			if aggErr != nil {
				taskResults = append(taskResults, rank.TaskResult{
					ConfigID:   task.ConfigID,
					Status:     "error",
					Metrics:    map[string]any{},
					Parameters: withError(task.Parameters, aggErr),
				})
				_ = deps.Events.LogEvent(runID, "GRID_TASK_FAILED", map[string]any{
					"config_id": task.ConfigID,
					"error":     orcherr.Payload(aggErr),
				})
				continue
			}

			metricsPaths = append(metricsPaths, result.MetricsPath)
			taskResults = append(taskResults, rank.TaskResult{
				ConfigID:   task.ConfigID,
				Status:     "ok",
				Metrics:    summaryToMap(summary),
				Parameters: task.Parameters,
				JobID:      result.JobID,
			})
			_ = deps.Events.LogEvent(runID, "GRID_TASK_DONE", map[string]any{
				"config_id": task.ConfigID,
				"job_id":    result.JobID,
				"metrics":   summaryToMap(summary),
			})
		}

		_ = deps.Events.LogEvent(runID, "GRID_BATCH_DONE", map[string]any{
			"batch_id":        batch.BatchID,
			"completed_tasks": len(batch.Tasks),
		})
	}

	var aggregate metrics.Summary
	if len(metricsPaths) > 0 {
		aggregate, _ = metrics.Aggregate(metricsPaths)
	}

	var reflectResults []reflect.StageResult
	for _, t := range taskResults {
		reflectResults = append(reflectResults, reflect.StageResult{Status: t.Status, Metrics: t.Metrics})
	}
	decision := reflect.PostPhaseReflect(reflect.Stats{
		RunID:   runID,
		Stage:   stage,
		Results: reflectResults,
		Thresholds: reflect.Thresholds{
			FailureRate:    deps.Cfg.Reflection.FailureRate,
			RecallVariance: deps.Cfg.Reflection.RecallVariance,
		},
	}, deps.Events)

	if err := deps.Memory.UpdateMetadata(runID, map[string]any{
		"grid": map[string]any{
			"aggregated_metrics": summaryToMap(aggregate),
			"tasks":              taskResults,
			"decision":           decision,
		},
	}); err != nil {
		return GridResult{}, err
	}

	durationMs := int(time.Since(start).Milliseconds())
	_ = deps.Events.LogStageEvent(runID, stage, "DONE", map[string]any{
		"duration_ms": durationMs,
		"metrics":     summaryToMap(aggregate),
		"decision":    decision,
	})

	if _, err := reflectionStage(ctx, deps, runID, stage, reflect.KPIs{Metrics: summaryToMap(aggregate), DurationMs: durationMs}); err != nil {
		return GridResult{}, err
	}

	return GridResult{Decision: decision, Aggregate: aggregate, Tasks: taskResults, MetricsPaths: metricsPaths}, nil
}

func gridPlan(plan models.ExperimentPlan) planner.Plan {
	return planner.Plan{
		Dataset:     plan.Dataset,
		SampleSize:  plan.SampleSize,
		Concurrency: plan.Concurrency,
		Budget:      plan.Budget,
		SearchSpace: plan.SearchSpace,
	}
}

func gridCfgMap(cfg *config.Config) map[string]any {
	return map[string]any{
		"grid": map[string]any{
			"sample":      cfg.Grid.Sample,
			"concurrency": cfg.Grid.Concurrency,
			"top_k":       intsToAny(cfg.Grid.TopK),
			"mmr":         cfg.Grid.MMR,
			"ef_search":   intsToAny(cfg.Grid.EfSearch),
		},
		"reflection": map[string]any{
			"failure_rate":    cfg.Reflection.FailureRate,
			"recall_variance": cfg.Reflection.RecallVariance,
		},
	}
}

func intsToAny(values []int) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func gridTaskJobSpec(task planner.Task, sc config.StageConfig, dataset, qrelsPath, queriesPath string, runnerTimeoutS float64) runner.JobSpec {
	topK, _ := task.Parameters["top_k"].(int)
	efSearchVal, hasEf := task.Parameters["ef_search"].(int)
	var efSearch *int
	if hasEf {
		efSearch = &efSearchVal
	}
	mmr, _ := task.Parameters["mmr"].(bool)
	lambda, _ := task.Parameters["mmr_lambda"].(float64)
	sample, _ := task.Parameters["sample"].(int)
	concurrency, _ := task.Parameters["concurrency"].(int)

	return runner.JobSpec{
		JobPrefix:      "grid",
		Section:        task.ConfigID,
		Dataset:        dataset,
		Sample:         sample,
		TopK:           topK,
		Concurrency:    concurrency,
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

func withError(parameters map[string]any, err error) map[string]any {
	out := map[string]any{}
	for k, v := range parameters {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}
