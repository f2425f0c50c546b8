package stageexec

import (
	"context"

	"github.com/justapithecus/orcheval/pkg/artifacts"
	"github.com/justapithecus/orcheval/pkg/models"
	"github.com/justapithecus/orcheval/pkg/rank"
	"github.com/justapithecus/orcheval/pkg/reflect"
)

// RunPublish renders every report artifact for the run's winner and
// appends it to the shared winners.final.json ledger.
func RunPublish(ctx context.Context, deps Deps, runID string, plan models.ExperimentPlan, fingerprintKey string, alignment map[string]any, gridTasks []rank.TaskResult, gridDecision map[string]any, abResult map[string]any, winner rank.Ranked) (models.Artifacts, error) {
	const stage = "PUBLISH"
	_ = deps.Events.LogStageEvent(runID, stage, "STARTED", nil)

	result, err := artifacts.PublishWinner(artifacts.PublishInput{
		RunID:        runID,
		ReportsDir:   deps.ReportsDir,
		Plan:         plan,
		QrelsPath:    stringMeta(plan.Metadata, "qrels_path"),
		QueriesPath:  stringMeta(plan.Metadata, "queries_path"),
		Fingerprint:  fingerprintKey,
		Alignment:    alignment,
		GridTasks:    gridTasks,
		GridDecision: gridDecision,
		ABResult:     abResult,
		Winner:       winner,
	})
	if err != nil {
		logFailure(deps.Events, runID, stage, err)
		return models.Artifacts{}, err
	}

	_ = deps.Events.LogStageEvent(runID, stage, "DONE", map[string]any{"artifacts": result})

	if _, err := reflectionStage(ctx, deps, runID, stage, reflect.KPIs{Metrics: winner.Metrics, DurationMs: 0}); err != nil {
		return models.Artifacts{}, err
	}

	return result, nil
}
