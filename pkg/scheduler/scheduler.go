// Package scheduler is the orchestrator's concurrency and intake core:
// a fixed-size worker pool draining a bounded FIFO queue, guarding the
// multi-gate acceptance sequence that turns a submitted plan into a
// running Pipeline, and answering status queries by replaying a run's
// event log.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/justapithecus/orcheval/pkg/config"
	"github.com/justapithecus/orcheval/pkg/eventlog"
	"github.com/justapithecus/orcheval/pkg/fingerprint"
	"github.com/justapithecus/orcheval/pkg/models"
	"github.com/justapithecus/orcheval/pkg/orcherr"
	"github.com/justapithecus/orcheval/pkg/pipeline"
	"github.com/justapithecus/orcheval/pkg/planner"
	"github.com/justapithecus/orcheval/pkg/stageexec"
)

// future tracks one in-flight run: its fingerprint (for idempotency and
// budget accounting) and a channel closed when the pipeline finishes.
type future struct {
	fingerprintKey string
	done           chan struct{}
}

// runMeta is the scheduler's own record of a run, independent of
// RunMemory: started_at/finished_at and the fingerprint it was minted
// with, consulted by GetStatus for timestamps and by the budget gate
// for in-flight accounting.
type runMeta struct {
	StartedAt   string
	FinishedAt  string
	Fingerprint fingerprint.Key
}

// job is one accepted, non-dry-run submission waiting for a worker.
type job struct {
	runID     string
	plan      models.ExperimentPlan
	alignment map[string]any
	fpKey     string
}

// Scheduler owns the worker pool, the bounded queue, and the three
// tables spec.md §5 calls out as independently-locked: futures, queue,
// and run metadata. No table's lock is ever held across blocking I/O.
type Scheduler struct {
	cfg      *config.Config
	policies map[string]config.Policy
	deps     stageexec.Deps

	jobs     chan job
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	queueMu sync.Mutex
	queue   []string

	futuresMu sync.Mutex
	futures   map[string]*future

	metaMu  sync.Mutex
	runMeta map[string]*runMeta
}

// New builds a Scheduler and starts its fixed worker pool. cfg.Run
// supplies concurrency_limit and queue_size (both default to 2 and 10
// respectively when zero).
func New(cfg *config.Config, policies map[string]config.Policy, deps stageexec.Deps) *Scheduler {
	concurrency := cfg.Run.ConcurrencyLimit
	if concurrency <= 0 {
		concurrency = 2
	}
	queueSize := cfg.Run.QueueSize
	if queueSize <= 0 {
		queueSize = 10
	}

	s := &Scheduler{
		cfg:      cfg,
		policies: policies,
		deps:     deps,
		jobs:     make(chan job, queueSize),
		stopCh:   make(chan struct{}),
		futures:  make(map[string]*future),
		runMeta:  make(map[string]*runMeta),
	}
	for i := 0; i < concurrency; i++ {
		s.wg.Add(1)
		go s.work()
	}
	return s
}

// Stop closes the stop channel and waits for every worker to return. A
// worker finishes the job it is running first; jobs still queued are not
// run. Later calls are no-ops.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case j, ok := <-s.jobs:
			if !ok {
				return
			}
			s.runJob(j)
		}
	}
}

func (s *Scheduler) runJob(j job) {
	ctx := context.Background()
	_ = pipeline.Run(ctx, s.deps, j.runID, j.plan, s.policies, j.fpKey, j.alignment)

	s.metaMu.Lock()
	if m, ok := s.runMeta[j.runID]; ok {
		m.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	}
	s.metaMu.Unlock()

	s.queueMu.Lock()
	s.removeFromQueueLocked(j.runID)
	s.queueMu.Unlock()

	s.futuresMu.Lock()
	if f, ok := s.futures[j.runID]; ok {
		close(f.done)
		delete(s.futures, j.runID)
	}
	s.futuresMu.Unlock()
}

func (s *Scheduler) removeFromQueueLocked(runID string) {
	for i, id := range s.queue {
		if id == runID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// Start runs the full acceptance-gate sequence for a submitted plan and,
// on success, either returns the computed dry-run plan or enqueues the
// pipeline and returns its queue position.
func (s *Scheduler) Start(ctx context.Context, plan models.ExperimentPlan, dryRun, commit bool) (*models.SubmitResult, *models.DryRunResult, error) {
	if !commit {
		dryRun = true
	}

	plan = s.injectAlignment(plan)

	alignment, err := s.validateAlignment(plan)
	if err != nil {
		throwawayID := mintRunID()
		_ = s.deps.Events.Initialize(throwawayID)
		_ = s.deps.Events.LogEvent(throwawayID, "ALIGNMENT_BLOCK", map[string]any{"error": orcherr.Payload(err)})
		return nil, nil, err
	}

	fpKey, err := s.computeFingerprint(plan)
	if err != nil {
		return nil, nil, err
	}

	if existingID, ok := s.findExistingRun(fpKey.String()); ok {
		return &models.SubmitResult{RunID: existingID, Idempotent: true, DryRun: false}, nil, nil
	}

	if err := s.checkDatasetGate(plan); err != nil {
		throwawayID := mintRunID()
		_ = s.deps.Events.Initialize(throwawayID)
		_ = s.deps.Events.LogEvent(throwawayID, "DATASET_BLOCK", map[string]any{"error": orcherr.Payload(err)})
		return nil, nil, err
	}

	if err := s.checkAlignmentAuditor(ctx, alignment); err != nil {
		throwawayID := mintRunID()
		_ = s.deps.Events.Initialize(throwawayID)
		_ = s.deps.Events.LogEvent(throwawayID, "ALIGNMENT_BLOCK", map[string]any{"error": orcherr.Payload(err)})
		return nil, nil, err
	}

	if err := s.checkBudgetGate(plan); err != nil {
		throwawayID := mintRunID()
		_ = s.deps.Events.Initialize(throwawayID)
		_ = s.deps.Events.LogEvent(throwawayID, "BUDGET_BLOCK", map[string]any{"error": orcherr.Payload(err)})
		return nil, nil, err
	}

	runID := mintRunID()
	if err := s.deps.Events.Initialize(runID); err != nil {
		return nil, nil, err
	}

	startedAt := time.Now().UTC().Format(time.RFC3339)
	s.metaMu.Lock()
	s.runMeta[runID] = &runMeta{StartedAt: startedAt, Fingerprint: fpKey}
	s.metaMu.Unlock()

	_ = s.deps.Events.LogEvent(runID, "RUN_STARTED", map[string]any{
		"dataset":     plan.Dataset,
		"dry_run":     dryRun,
		"fingerprint": fpKey.String(),
		"timestamp":   startedAt,
	})

	if err := s.deps.Memory.RegisterPlan(runID, mergePlanFingerprint(plan, fpKey)); err != nil {
		return nil, nil, err
	}

	if dryRun {
		batches, err := planner.MakeGrid(gridPlanFrom(plan), gridCfgFrom(s.cfg))
		if err != nil {
			return nil, nil, err
		}
		totalTasks := 0
		var stages []string
		for _, b := range batches {
			totalTasks += len(b.Tasks)
		}
		stages = []string{"SMOKE", "GRID", "AB", "SELECT", "PUBLISH"}
		estimatedDurationS := totalTasks*2 + 10

		_ = s.deps.Events.LogEvent(runID, "DRY_RUN_PLAN", map[string]any{
			"batches":              len(batches),
			"total_tasks":          totalTasks,
			"estimated_duration_s": estimatedDurationS,
			"stages":               stages,
		})

		return nil, &models.DryRunResult{
			RunID:       runID,
			DryRun:      true,
			Plan:        plan,
			Fingerprint: fpKey.String(),
			Message:     fmt.Sprintf("dry run: %d tasks across %d batches, ~%ds estimated", totalTasks, len(batches), estimatedDurationS),
		}, nil
	}

	s.queueMu.Lock()
	if len(s.queue) >= cap(s.jobs) {
		s.queueMu.Unlock()
		err := orcherr.NewBlockError(orcherr.ErrQueueFull, "scheduler queue is at capacity", "retry once a run completes", nil)
		_ = s.deps.Events.LogEvent(runID, "RUN_FAILED", map[string]any{"error": orcherr.Payload(err)})
		return nil, nil, err
	}
	s.queue = append(s.queue, runID)
	queuePos := len(s.queue)
	s.queueMu.Unlock()

	s.futuresMu.Lock()
	s.futures[runID] = &future{fingerprintKey: fpKey.String(), done: make(chan struct{})}
	s.futuresMu.Unlock()

	s.jobs <- job{runID: runID, plan: plan, alignment: alignment, fpKey: fpKey.String()}

	return &models.SubmitResult{RunID: runID, Idempotent: false, DryRun: false, QueuePos: queuePos}, nil, nil
}

// injectAlignment resolves baseline_id (or the config default) into a
// policy, fills any fields the plan's metadata omits from that policy via
// config.MergePolicyIntoPlanMetadata, and falls back to the datasets config maps
// for queries_path/qrels_path when no policy supplied them.
func (s *Scheduler) injectAlignment(plan models.ExperimentPlan) models.ExperimentPlan {
	policyName := plan.BaselineID
	if policyName == "" {
		policyName = s.cfg.BaselinePolicy
	}
	policy, hasPolicy := s.policies[policyName]
	if hasPolicy {
		plan.Metadata = config.MergePolicyIntoPlanMetadata(plan.Metadata, policy)
	}
	if plan.Metadata == nil {
		plan.Metadata = map[string]any{}
	}

	// Policy (or a plan-supplied value) wins when non-empty; the datasets
	// config maps are the last-resort fallback.
	if v, _ := plan.Metadata["queries_path"].(string); v == "" {
		if p, ok := s.cfg.Datasets.QueriesMap[plan.Dataset]; ok {
			plan.Metadata["queries_path"] = p
		}
	}
	if v, _ := plan.Metadata["qrels_path"].(string); v == "" {
		if p, ok := s.cfg.Datasets.QrelsMap[plan.Dataset]; ok {
			plan.Metadata["qrels_path"] = p
		}
	}
	return plan
}

// validateAlignment requires dataset, queries_path, and qrels_path to
// all be resolvable, and returns the trio for the auditor gate.
func (s *Scheduler) validateAlignment(plan models.ExperimentPlan) (map[string]any, error) {
	queriesPath, _ := plan.Metadata["queries_path"].(string)
	qrelsPath, _ := plan.Metadata["qrels_path"].(string)
	if plan.Dataset == "" || queriesPath == "" || qrelsPath == "" {
		return nil, orcherr.NewBlockError(orcherr.ErrAlignmentBlock,
			"plan is missing dataset, queries_path, or qrels_path and none could be resolved from policy or config",
			"set baseline_id, or provide metadata.queries_path/qrels_path, or configure datasets.queries_map/qrels_map",
			map[string]any{"dataset": plan.Dataset, "queries_path": queriesPath, "qrels_path": qrelsPath})
	}
	return map[string]any{
		"dataset":      plan.Dataset,
		"queries_path": queriesPath,
		"qrels_path":   qrelsPath,
	}, nil
}

func (s *Scheduler) computeFingerprint(plan models.ExperimentPlan) (fingerprint.Key, error) {
	return fingerprint.Compute(fingerprint.DataInput{
		Dataset:    plan.Dataset,
		SampleSize: plan.SampleSize,
		Seed:       s.cfg.Grid.Seed,
	}, plan.WithoutMetadata(), s.cfg.PoliciesPath)
}

// findExistingRun searches in-flight futures first, then a scan of
// completed runs in RunMemory, for a record sharing key.
func (s *Scheduler) findExistingRun(key string) (string, bool) {
	s.futuresMu.Lock()
	for runID, f := range s.futures {
		if f.fingerprintKey == key {
			s.futuresMu.Unlock()
			return runID, true
		}
	}
	s.futuresMu.Unlock()

	records, err := s.deps.Memory.All()
	if err != nil {
		return "", false
	}
	for _, record := range records {
		if fp, ok := record.Plan["fingerprint"].(string); ok && fp == key {
			return record.RunID, true
		}
	}
	return "", false
}

func (s *Scheduler) checkDatasetGate(plan models.ExperimentPlan) error {
	for _, d := range s.cfg.Datasets.Disabled {
		if d == plan.Dataset {
			return orcherr.NewBlockError(orcherr.ErrDatasetBlock,
				fmt.Sprintf("dataset %q is disabled", plan.Dataset), "", map[string]any{"dataset": plan.Dataset})
		}
	}
	if len(s.cfg.Datasets.Whitelist) > 0 {
		allowed := false
		for _, d := range s.cfg.Datasets.Whitelist {
			if d == plan.Dataset {
				allowed = true
				break
			}
		}
		if !allowed {
			return orcherr.NewBlockError(orcherr.ErrDatasetBlock,
				fmt.Sprintf("dataset %q is not in the whitelist", plan.Dataset),
				"add the dataset to datasets.whitelist", map[string]any{"dataset": plan.Dataset})
		}
	}
	return nil
}

// alignmentAuditorResult is the JSON document the auditor subprocess
// writes to --json-out.
type alignmentAuditorResult struct {
	MismatchRate float64 `json:"mismatch_rate"`
}

// checkAlignmentAuditor invokes the configured auditor binary, bounded
// by a 5-minute hard timeout, and blocks on a nonzero exit or a
// reported mismatch rate above zero. An unconfigured auditor command
// disables the gate entirely (nothing to invoke).
func (s *Scheduler) checkAlignmentAuditor(ctx context.Context, alignment map[string]any) error {
	if s.cfg.AlignmentAuditorCmd == "" {
		return nil
	}

	tmp, err := os.CreateTemp("", "alignment-*.json")
	if err != nil {
		return fmt.Errorf("scheduler: create alignment tmp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	auditCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	fields := strings.Fields(s.cfg.AlignmentAuditorCmd)
	if len(fields) == 0 {
		return nil
	}
	args := append(fields[1:],
		"--host", s.cfg.BaseURL,
		"--collection", alignment["dataset"].(string),
		"--qrels", alignment["qrels_path"].(string),
		"--json-out", tmpPath,
	)
	cmd := exec.CommandContext(auditCtx, fields[0], args...)
	if err := cmd.Run(); err != nil {
		return orcherr.NewBlockError(orcherr.ErrAlignmentBlock,
			fmt.Sprintf("alignment auditor exited with error: %v", err),
			"inspect the qrels/collection pairing", map[string]any{"command": s.cfg.AlignmentAuditorCmd})
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return orcherr.NewBlockError(orcherr.ErrAlignmentBlock, "alignment auditor produced no output", "", nil)
	}
	var result alignmentAuditorResult
	if err := json.Unmarshal(data, &result); err != nil {
		return orcherr.NewBlockError(orcherr.ErrAlignmentBlock, "alignment auditor output was not valid JSON", "", nil)
	}
	if result.MismatchRate > 0 {
		return orcherr.NewBlockError(orcherr.ErrAlignmentBlock,
			fmt.Sprintf("qrels/collection mismatch rate %.4f", result.MismatchRate),
			"re-align the qrels file against the target collection",
			map[string]any{"mismatch_rate": result.MismatchRate})
	}
	return nil
}

// checkBudgetGate compares max_concurrent_runs against the current
// in-flight count and a crude token/cost estimate (sample_size ×
// avg_tokens_per_query × five stages) against the configured caps.
func (s *Scheduler) checkBudgetGate(plan models.ExperimentPlan) error {
	budget := s.cfg.Budget

	s.futuresMu.Lock()
	inFlight := len(s.futures)
	s.futuresMu.Unlock()

	if budget.MaxConcurrentRuns > 0 && inFlight >= budget.MaxConcurrentRuns {
		return orcherr.NewBlockError(orcherr.ErrBudgetBlock,
			fmt.Sprintf("max_concurrent_runs (%d) reached", budget.MaxConcurrentRuns),
			"wait for an in-flight run to finish", map[string]any{"in_flight": inFlight})
	}

	const avgTokensPerQuery = 500
	const stageCount = 5
	estimatedTokens := plan.SampleSize * avgTokensPerQuery * stageCount
	if budget.MaxTokens > 0 && estimatedTokens > budget.MaxTokens {
		return orcherr.NewBlockError(orcherr.ErrBudgetBlock,
			fmt.Sprintf("estimated token usage %d exceeds max_tokens %d", estimatedTokens, budget.MaxTokens),
			"lower sample_size or raise budget.max_tokens",
			map[string]any{"estimated_tokens": estimatedTokens, "max_tokens": budget.MaxTokens})
	}

	const estCostPerToken = 0.000002
	estimatedCost := float64(estimatedTokens) * estCostPerToken
	if budget.MaxCostUSD > 0 && estimatedCost > budget.MaxCostUSD {
		return orcherr.NewBlockError(orcherr.ErrBudgetBlock,
			fmt.Sprintf("estimated cost $%.2f exceeds max_cost_usd $%.2f", estimatedCost, budget.MaxCostUSD),
			"lower sample_size or raise budget.max_cost_usd",
			map[string]any{"estimated_cost_usd": estimatedCost, "max_cost_usd": budget.MaxCostUSD})
	}
	return nil
}

func mergePlanFingerprint(plan models.ExperimentPlan, fp fingerprint.Key) map[string]any {
	m := plan.ToMap()
	m["fingerprint"] = fp.String()
	m["fingerprints"] = map[string]any{
		"data_fingerprint": fp.DataFingerprint,
		"code_commit":      fp.CodeCommit,
		"policy_hash":      fp.PolicyHash,
		"args_hash":        fp.ArgsHash,
	}
	return m
}

func gridPlanFrom(plan models.ExperimentPlan) planner.Plan {
	return planner.Plan{
		Dataset:     plan.Dataset,
		SampleSize:  plan.SampleSize,
		Concurrency: plan.Concurrency,
		Budget:      plan.Budget,
		SearchSpace: plan.SearchSpace,
	}
}

func gridCfgFrom(cfg *config.Config) map[string]any {
	topK := make([]any, len(cfg.Grid.TopK))
	for i, v := range cfg.Grid.TopK {
		topK[i] = v
	}
	efSearch := make([]any, len(cfg.Grid.EfSearch))
	for i, v := range cfg.Grid.EfSearch {
		efSearch[i] = v
	}
	return map[string]any{
		"grid": map[string]any{
			"sample":      cfg.Grid.Sample,
			"concurrency": cfg.Grid.Concurrency,
			"top_k":       topK,
			"mmr":         cfg.Grid.MMR,
			"ef_search":   efSearch,
		},
		"reflection": map[string]any{
			"failure_rate":    cfg.Reflection.FailureRate,
			"recall_variance": cfg.Reflection.RecallVariance,
		},
	}
}

// mintRunID mirrors the source's "orch-<utc timestamp>-<uuid4 hex[:12]>"
// run_id scheme, used both for real runs and for the throwaway ids that
// carry a pre-acceptance block event.
func mintRunID() string {
	return fmt.Sprintf("orch-%s-%s", time.Now().UTC().Format("20060102T150405Z"), randomHex12())
}

func randomHex12() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// GetStatus replays a run's event log to determine its current stage,
// status, and progress, and assembles the reflections surfaced at the
// requested detail level ("lite" or "full").
func (s *Scheduler) GetStatus(runID, detail string) (models.StatusResult, error) {
	events, err := s.deps.Events.ReadEvents(runID, 0)
	if err != nil {
		return models.StatusResult{}, err
	}
	if events == nil {
		return models.StatusResult{}, orcherr.NewBlockError(orcherr.ErrRunNotFound, fmt.Sprintf("run %q not found", runID), "", nil)
	}

	stage, status := latestStageStatus(events)
	completed := stagesCompleted(events)

	result := models.StatusResult{
		RunID:  runID,
		Stage:  stage,
		Status: status,
		Progress: models.Progress{
			CurrentStage: stage,
			Completed:    completed,
			Total:        5,
			Status:       status,
		},
		RecentEvents: recentEventMaps(events, 10),
	}

	for i := len(events) - 1; i >= 0; i-- {
		if m, ok := events[i].Payload["metrics"].(map[string]any); ok {
			result.LatestMetrics = m
			break
		}
	}

	record, err := s.deps.Memory.Get(runID)
	if err != nil {
		return models.StatusResult{}, err
	}

	runDir := s.cfg.ReportsDir
	reflections := map[string]any{}
	if record != nil {
		if r, ok := record.Metadata["reflections"].(map[string]any); ok {
			reflections = r
		}
	}
	for _, e := range events {
		if e.EventType != "REFLECT_DONE" {
			continue
		}
		stageName, _ := e.Payload["stage"].(string)
		if stageName == "" {
			continue
		}
		view := models.ReflectionView{Stage: stageName}
		suffix := ""
		if detail == "lite" {
			suffix = "_lite"
		}
		path := joinReportsPath(runDir, runID, "reflection_"+stageName+suffix+".md")
		if data, readErr := os.ReadFile(path); readErr == nil {
			view.RationaleMD = string(data)
		}
		if stageMeta, ok := reflections[stageName].(map[string]any); ok {
			if actions, ok := stageMeta["next_actions"].([]string); ok {
				view.NextActions = actions
			} else if raw, ok := stageMeta["next_actions"].([]any); ok {
				for _, a := range raw {
					if str, ok := a.(string); ok {
						view.NextActions = append(view.NextActions, str)
					}
				}
			}
		}
		result.Reflections = append(result.Reflections, view)
	}

	s.metaMu.Lock()
	if m, ok := s.runMeta[runID]; ok {
		result.StartedAt = m.StartedAt
		result.FinishedAt = m.FinishedAt
	}
	s.metaMu.Unlock()

	s.queueMu.Lock()
	for i, id := range s.queue {
		if id == runID {
			pos := i + 1
			result.QueuePos = &pos
			break
		}
	}
	s.queueMu.Unlock()

	return result, nil
}

func joinReportsPath(reportsDir, runID, filename string) string {
	return reportsDir + "/" + runID + "/" + filename
}

// latestStageStatus applies the rule "a failure event wins; otherwise
// the latest _DONE or _STARTED" by scanning in reverse append order.
func latestStageStatus(events []eventlog.Event) (stage, status string) {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		switch e.EventType {
		case "RUN_FAILED":
			st, _ := e.Payload["stage"].(string)
			return st, "failed"
		case "RUN_COMPLETED":
			st, _ := e.Payload["stage"].(string)
			if st == "" {
				st = "PUBLISH"
			}
			return st, "completed"
		}
		if strings.HasSuffix(e.EventType, "_FAILED") {
			return strings.TrimSuffix(e.EventType, "_FAILED"), "failed"
		}
		if strings.HasSuffix(e.EventType, "_DONE") {
			return strings.TrimSuffix(e.EventType, "_DONE"), "done"
		}
		if strings.HasSuffix(e.EventType, "_STARTED") {
			return strings.TrimSuffix(e.EventType, "_STARTED"), "running"
		}
	}
	return "", "pending"
}

var stageOrder = []string{"SMOKE", "GRID", "AB", "SELECT", "PUBLISH"}

func stagesCompleted(events []eventlog.Event) int {
	done := map[string]bool{}
	for _, e := range events {
		if strings.HasSuffix(e.EventType, "_DONE") {
			done[strings.TrimSuffix(e.EventType, "_DONE")] = true
		}
	}
	count := 0
	for _, s := range stageOrder {
		if done[s] {
			count++
		}
	}
	return count
}

func recentEventMaps(events []eventlog.Event, n int) []map[string]any {
	start := 0
	if len(events) > n {
		start = len(events) - n
	}
	out := make([]map[string]any, 0, len(events)-start)
	for _, e := range events[start:] {
		out = append(out, map[string]any{
			"event_type": e.EventType,
			"payload":    e.Payload,
			"created_at": e.CreatedAt,
		})
	}
	return out
}

