package stageexec

import (
	"context"

	"github.com/justapithecus/orcheval/pkg/orcherr"
	"github.com/justapithecus/orcheval/pkg/rank"
	"github.com/justapithecus/orcheval/pkg/reflect"
)

// RunSelect picks the top-ranked grid configuration as the run's
// winner. SELECT does no further work of its own, so its reflection
// runs with a zero duration.
func RunSelect(ctx context.Context, deps Deps, runID string, gridTasks []rank.TaskResult) (rank.Ranked, error) {
	const stage = "SELECT"
	_ = deps.Events.LogStageEvent(runID, stage, "STARTED", nil)

	ranked := rank.Configs(gridTasks)
	if len(ranked) == 0 {
		err := orcherr.NewBlockError(orcherr.ErrStageFailed, "no successful configurations available for selection", "", nil)
		logFailure(deps.Events, runID, stage, err)
		return rank.Ranked{}, err
	}
	winner := ranked[0]

	if err := deps.Memory.UpdateMetadata(runID, map[string]any{
		"winner": map[string]any{
			"config_id":  winner.ConfigID,
			"metrics":    winner.Metrics,
			"parameters": winner.Parameters,
			"job_id":     winner.JobID,
		},
	}); err != nil {
		return rank.Ranked{}, err
	}

	_ = deps.Events.LogStageEvent(runID, stage, "DONE", map[string]any{
		"config_id": winner.ConfigID,
		"metrics":   winner.Metrics,
	})

	if _, err := reflectionStage(ctx, deps, runID, stage, reflect.KPIs{Metrics: winner.Metrics, DurationMs: 0}); err != nil {
		return rank.Ranked{}, err
	}

	return winner, nil
}
