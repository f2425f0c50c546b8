// Package pipeline sequences the five stage bodies SMOKE, GRID, AB,
// SELECT, and PUBLISH for a single run, short-circuiting to
// RUN_COMPLETED when GRID's reflection requests an early stop and
// logging RUN_FAILED with the stage active at the time of failure
// otherwise.
package pipeline

import (
	"context"
	"time"

	"github.com/justapithecus/orcheval/pkg/config"
	"github.com/justapithecus/orcheval/pkg/models"
	"github.com/justapithecus/orcheval/pkg/orcherr"
	"github.com/justapithecus/orcheval/pkg/stageexec"
)

// Run executes a submitted, non-dry-run plan end to end.
func Run(ctx context.Context, deps stageexec.Deps, runID string, plan models.ExperimentPlan, policies map[string]config.Policy, fingerprintKey string, alignment map[string]any) error {
	currentStage := "SMOKE"

	fail := func(err error) error {
		_ = deps.Events.LogEvent(runID, "RUN_FAILED", map[string]any{
			"stage":     currentStage,
			"error":     orcherr.Payload(err),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		_ = deps.Memory.UpdateMetadata(runID, map[string]any{
			"status":       "failed",
			"error":        err.Error(),
			"failed_stage": currentStage,
		})
		return err
	}

	if _, err := stageexec.RunSmoke(ctx, deps, runID, plan); err != nil {
		return fail(err)
	}

	currentStage = "GRID"
	gridResult, err := stageexec.RunGrid(ctx, deps, runID, plan)
	if err != nil {
		return fail(err)
	}
	if gridResult.Decision.Action == "early_stop" {
		_ = deps.Events.LogEvent(runID, "RUN_COMPLETED", map[string]any{
			"stage":  "GRID",
			"reason": "reflection requested early stop after grid stage",
		})
		_ = deps.Memory.UpdateMetadata(runID, map[string]any{
			"status":        "completed",
			"grid_decision": gridResult.Decision,
		})
		return nil
	}

	currentStage = "AB"
	abResult, err := stageexec.RunAB(ctx, deps, runID, plan, gridResult.Tasks, policies)
	if err != nil {
		return fail(err)
	}

	currentStage = "SELECT"
	winner, err := stageexec.RunSelect(ctx, deps, runID, gridResult.Tasks)
	if err != nil {
		return fail(err)
	}

	currentStage = "PUBLISH"
	abResultMap := map[string]any{
		"diff_table":          abResult.DiffTable,
		"baseline_policy":     abResult.BaselinePolicy,
		"candidate_config_id": abResult.Candidate.ConfigID,
		"chart_path":          abResult.ChartPath,
		"csv_path":            abResult.CSVPath,
	}
	gridDecisionMap := map[string]any{"action": gridResult.Decision.Action, "reason": gridResult.Decision.Reason}

	artifactsResult, err := stageexec.RunPublish(ctx, deps, runID, plan, fingerprintKey, alignment, gridResult.Tasks, gridDecisionMap, abResultMap, winner)
	if err != nil {
		return fail(err)
	}

	_ = deps.Events.LogEvent(runID, "RUN_COMPLETED", map[string]any{"stage": "PUBLISH", "artifacts": artifactsResult})
	_ = deps.Memory.UpdateMetadata(runID, map[string]any{
		"status":    "completed",
		"ab":        abResultMap,
		"winner":    winner,
		"artifacts": artifactsResult,
	})
	return nil
}
