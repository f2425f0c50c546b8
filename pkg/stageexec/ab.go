package stageexec

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/justapithecus/orcheval/pkg/artifacts"
	"github.com/justapithecus/orcheval/pkg/config"
	"github.com/justapithecus/orcheval/pkg/metrics"
	"github.com/justapithecus/orcheval/pkg/models"
	"github.com/justapithecus/orcheval/pkg/orcherr"
	"github.com/justapithecus/orcheval/pkg/rank"
	"github.com/justapithecus/orcheval/pkg/reflect"
	"github.com/justapithecus/orcheval/pkg/runner"
)

// ABResult is AB's outcome: the baseline policy name, the challenger
// config drawn from the best-ranked grid result, and the diff table
// plus rendered chart/csv.
type ABResult struct {
	BaselinePolicy  string
	Candidate       rank.Ranked
	DiffTable       map[string]any
	ChartPath       string
	CSVPath         string
	BaselineJobID   string
	ChallengerJobID string
}

// RunAB resolves the baseline policy, picks the top-ranked grid
// configuration as the challenger, runs both at the AB sample size, and
// diffs their aggregated metrics.
func RunAB(ctx context.Context, deps Deps, runID string, plan models.ExperimentPlan, gridTasks []rank.TaskResult, policies map[string]config.Policy) (ABResult, error) {
	const stage = "AB"
	_ = deps.Events.LogStageEvent(runID, stage, "STARTED", nil)

	ranked := rank.Configs(gridTasks)
	if len(ranked) == 0 {
		err := orcherr.NewBlockError(orcherr.ErrStageFailed, "no successful grid configurations available for A/B stage", "", nil)
		logFailure(deps.Events, runID, stage, err)
		return ABResult{}, err
	}
	challenger := ranked[0]

	sampleN := deps.Cfg.AB.Sample
	if sampleN <= 0 {
		sampleN = plan.SampleSize
	}

	baselinePolicyName := plan.BaselineID
	if baselinePolicyName == "" {
		baselinePolicyName = deps.Cfg.BaselinePolicy
	}
	baselinePolicy, ok := policies[baselinePolicyName]
	if !ok {
		err := orcherr.NewBlockError(orcherr.ErrPlanInvalid, fmt.Sprintf("unknown baseline policy %q", baselinePolicyName), "", nil)
		logFailure(deps.Events, runID, stage, err)
		return ABResult{}, err
	}

	baselineSpec := policyJobSpec(baselinePolicy, "ab-baseline", sampleN, deps.Cfg.AB, deps.Cfg.RunnerTimeoutS)
	challengerSpec := paramsJobSpec(challenger.Parameters, "ab-challenger", plan.Dataset,
		stringMeta(plan.Metadata, "qrels_path"), stringMeta(plan.Metadata, "queries_path"), sampleN, deps.Cfg.AB, deps.Cfg.RunnerTimeoutS)

	baselineRun, err := deps.Runner.Run(ctx, baselineSpec, runnerConfig(deps.Cfg))
	if err != nil {
		logFailure(deps.Events, runID, stage, err)
		return ABResult{}, err
	}
	challengerRun, err := deps.Runner.Run(ctx, challengerSpec, runnerConfig(deps.Cfg))
	if err != nil {
		logFailure(deps.Events, runID, stage, err)
		return ABResult{}, err
	}

	baselineSummary, err := metrics.Aggregate([]string{baselineRun.MetricsPath})
	if err != nil {
		logFailure(deps.Events, runID, stage, err)
		return ABResult{}, err
	}
	challengerSummary, err := metrics.Aggregate([]string{challengerRun.MetricsPath})
	if err != nil {
		logFailure(deps.Events, runID, stage, err)
		return ABResult{}, err
	}

	diffs := artifacts.ComputeDiff(summaryToMap(baselineSummary), summaryToMap(challengerSummary))
	diffTable := artifacts.DiffTable(diffs)

	runDir := filepath.Join(deps.ReportsDir, runID)
	chartPath := filepath.Join(runDir, "ab_diff.png")
	csvPath := filepath.Join(runDir, "ab_diff.csv")
	if err := artifacts.RenderChart(diffs, chartPath); err != nil {
		return ABResult{}, fmt.Errorf("stageexec: render ab chart: %w", err)
	}
	if err := artifacts.WriteDiffCSV(diffs, csvPath); err != nil {
		return ABResult{}, fmt.Errorf("stageexec: write ab diff csv: %w", err)
	}

	resultRecord := map[string]any{
		"diff_table":         diffTable,
		"baseline_metrics":   summaryToMap(baselineSummary),
		"challenger_metrics": summaryToMap(challengerSummary),
		"baseline_job_id":    baselineRun.JobID,
		"challenger_job_id":  challengerRun.JobID,
		"chart_path":         chartPath,
		"csv_path":           csvPath,
	}
	if err := deps.Memory.UpdateMetadata(runID, map[string]any{
		"ab": map[string]any{
			"baseline_policy": baselinePolicyName,
			"candidate":       challenger,
			"result":          resultRecord,
		},
	}); err != nil {
		return ABResult{}, err
	}

	_ = deps.Events.LogStageEvent(runID, stage, "DONE", map[string]any{
		"candidate_config_id": challenger.ConfigID,
		"baseline_policy":     baselinePolicyName,
		"diff_table":          diffTable,
		"chart":               relTo(deps.ReportsDir, chartPath),
		"csv":                 relTo(deps.ReportsDir, csvPath),
	})

	if _, err := reflectionStage(ctx, deps, runID, stage, reflect.KPIs{Metrics: summaryToMap(challengerSummary)}); err != nil {
		return ABResult{}, err
	}

	return ABResult{
		BaselinePolicy:  baselinePolicyName,
		Candidate:       challenger,
		DiffTable:       diffTable,
		ChartPath:       chartPath,
		CSVPath:         csvPath,
		BaselineJobID:   baselineRun.JobID,
		ChallengerJobID: challengerRun.JobID,
	}, nil
}

func relTo(base, path string) string {
	if r, err := filepath.Rel(base, path); err == nil {
		return r
	}
	return path
}

func policyJobSpec(policy config.Policy, jobPrefix string, sampleN int, sc config.StageConfig, runnerTimeoutS float64) runner.JobSpec {
	var efSearch *int
	if policy.EfSearch > 0 {
		v := policy.EfSearch
		efSearch = &v
	}
	return runner.JobSpec{
		JobPrefix:      jobPrefix,
		Dataset:        policy.Dataset,
		Sample:         sampleN,
		TopK:           policy.TopK,
		MMR:            policy.MMR,
		MMRLambda:      policy.MMRLambda,
		EfSearch:       efSearch,
		QrelsPath:      policy.QrelsPath,
		QueriesPath:    policy.QueriesPath,
		TimeoutS:       sc.TimeoutS,
		MaxRetries:     sc.MaxRetries,
		BackoffS:       sc.BackoffS,
		RatePerSec:     sc.RateLimitPerSec,
		RunnerTimeoutS: runnerTimeoutS,
	}
}

func paramsJobSpec(params map[string]any, jobPrefix, dataset, qrelsPath, queriesPath string, sampleN int, sc config.StageConfig, runnerTimeoutS float64) runner.JobSpec {
	topK, _ := params["top_k"].(int)
	efVal, hasEf := params["ef_search"].(int)
	var efSearch *int
	if hasEf {
		efSearch = &efVal
	}
	mmr, _ := params["mmr"].(bool)
	lambda, _ := params["mmr_lambda"].(float64)

	return runner.JobSpec{
		JobPrefix:      jobPrefix,
		Dataset:        dataset,
		Sample:         sampleN,
		TopK:           topK,
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
