package models

// SubmitResult is returned by Scheduler.Start.
type SubmitResult struct {
	RunID      string `json:"run_id"`
	Idempotent bool   `json:"idempotent"`
	DryRun     bool   `json:"dry_run"`
	QueuePos   int    `json:"queue_pos,omitempty"`
}

// DryRunResult is returned by Scheduler.Start when dry_run is true and
// commit is false; it plans the run without executing any stage.
type DryRunResult struct {
	RunID       string         `json:"run_id"`
	DryRun      bool           `json:"dry_run"`
	Plan        ExperimentPlan `json:"plan"`
	Fingerprint string         `json:"fingerprint"`
	Message     string         `json:"message"`
}

// Progress summarizes a run's position in the five-stage pipeline.
type Progress struct {
	CurrentStage string `json:"current_stage"`
	Completed    int    `json:"completed"`
	Total        int    `json:"total"`
	Status       string `json:"status"`
}

// ReflectionView is one stage's reflection, trimmed to what a status
// response surfaces: the rationale at the requested detail level plus
// the suggested next actions.
type ReflectionView struct {
	Stage       string   `json:"stage"`
	RationaleMD string   `json:"rationale_md"`
	NextActions []string `json:"next_actions,omitempty"`
}

// StatusResult is returned by Scheduler.GetStatus.
type StatusResult struct {
	RunID         string           `json:"run_id"`
	Stage         string           `json:"stage"`
	Status        string           `json:"status"`
	Progress      Progress         `json:"progress"`
	LatestMetrics map[string]any   `json:"latest_metrics,omitempty"`
	RecentEvents  []map[string]any `json:"recent_events"`
	Reflections   []ReflectionView `json:"reflections"`
	QueuePos      *int             `json:"queue_pos,omitempty"`
	StartedAt     string           `json:"started_at,omitempty"`
	FinishedAt    string           `json:"finished_at,omitempty"`
}
