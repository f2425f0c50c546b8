// Package reflect implements post-stage reflection: a rule-based
// early-stop/shrink/keep decision from stage statistics, and an
// optionally LLM-backed natural-language summary of a completed stage
// with rule-based fallback, response caching, and cost-cap enforcement.
package reflect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/justapithecus/orcheval/pkg/eventlog"
)

// Decision is the post-phase reflection outcome.
type Decision struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// Thresholds configures the early_stop and shrink triggers.
type Thresholds struct {
	FailureRate    float64
	RecallVariance float64
}

// DefaultThresholds matches the source's defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{FailureRate: 0.3, RecallVariance: 0.02}
}

// StageResult is one grid/task result contributing to a reflection.
type StageResult struct {
	Status  string
	Metrics map[string]any
}

// Stats carries everything PostPhaseReflect needs.
type Stats struct {
	RunID      string
	Stage      string
	Results    []StageResult
	Thresholds Thresholds
}

func computeFailureRate(results []StageResult) float64 {
	if len(results) == 0 {
		return 0.0
	}
	failures := 0
	for _, r := range results {
		if r.Status != "ok" {
			failures++
		}
	}
	return float64(failures) / float64(len(results))
}

func computeRecallVariance(results []StageResult) float64 {
	var recalls []float64
	for _, r := range results {
		if r.Metrics == nil {
			continue
		}
		if v, ok := r.Metrics["recall_at_10"]; ok {
			if f, ok := asFloat(v); ok {
				recalls = append(recalls, f)
			}
		}
	}
	if len(recalls) < 2 {
		return 0.0
	}
	mean := 0.0
	for _, r := range recalls {
		mean += r
	}
	mean /= float64(len(recalls))
	variance := 0.0
	for _, r := range recalls {
		d := r - mean
		variance += d * d
	}
	return variance / float64(len(recalls))
}

// PostPhaseReflect analyzes stage statistics and returns an
// early_stop/shrink/keep decision. When logger and a non-empty RunID
// are provided, the decision is also recorded as a REFLECTION_DECISION
// event.
func PostPhaseReflect(stats Stats, logger *eventlog.Logger) Decision {
	stage := upper(stats.Stage)
	if stage == "" {
		stage = "UNKNOWN"
	}

	thresholds := stats.Thresholds
	if thresholds.FailureRate == 0 && thresholds.RecallVariance == 0 {
		thresholds = DefaultThresholds()
	}

	failureRate := computeFailureRate(stats.Results)
	recallVariance := computeRecallVariance(stats.Results)

	var decision Decision
	switch {
	case failureRate >= thresholds.FailureRate:
		decision = Decision{
			Action: "early_stop",
			Reason: fmt.Sprintf("failure_rate %.2f%% exceeds threshold %.0f%%", failureRate*100, thresholds.FailureRate*100),
		}
	case recallVariance >= thresholds.RecallVariance:
		decision = Decision{
			Action: "shrink",
			Reason: fmt.Sprintf("recall variance %.4f exceeds threshold %.4f", recallVariance, thresholds.RecallVariance),
		}
	default:
		decision = Decision{Action: "keep", Reason: "metrics stable"}
	}

	if logger != nil && stats.RunID != "" {
		_ = logger.LogEvent(stats.RunID, "REFLECTION_DECISION", map[string]any{
			"stage":           stage,
			"action":          decision.Action,
			"reason":          decision.Reason,
			"failure_rate":    failureRate,
			"recall_variance": recallVariance,
		})
	}
	return decision
}

var sanitizePatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`/\S+`), "[PATH]"},
	{regexp.MustCompile(`https?://\S+`), "[URL]"},
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`), "[API_KEY]"},
	{regexp.MustCompile(`[a-zA-Z0-9]{32,}`), "[HASH]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[IP]"},
}

// SanitizeAndShorten masks paths, URLs, API keys, long hashes, and IPs
// (in that order) before truncating to maxChars.
func SanitizeAndShorten(text string, maxChars int) string {
	if text == "" {
		return ""
	}
	sanitized := text
	for _, p := range sanitizePatterns {
		sanitized = p.re.ReplaceAllString(sanitized, p.replacement)
	}
	if maxChars <= 0 {
		maxChars = 1200
	}
	if len(sanitized) > maxChars {
		sanitized = sanitized[:maxChars] + "..."
	}
	return sanitized
}

// KPIs carries the metrics and duration a reflection summary describes.
type KPIs struct {
	Metrics    map[string]any
	DurationMs int
}

// SLAView is the subset of an sla.Verdict the summarizer consumes.
type SLAView struct {
	Verdict string
	Checks  []SLAViewCheck
}

// SLAViewCheck mirrors one sla.Check.
type SLAViewCheck struct {
	Metric string
	Status string
}

// LLMConfig configures optional LLM-backed summarization.
type LLMConfig struct {
	Enable     bool
	Provider   string
	Model      string
	MaxTokens  int
	CostCapUSD float64
}

// NextAction is one suggested follow-up.
type NextAction struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	EtaMin int    `json:"eta_min"`
}

// Summary is the result of Summarize.
type Summary struct {
	Stage           string       `json:"stage"`
	Model           string       `json:"model"`
	Tokens          int          `json:"tokens"`
	CostUSD         float64      `json:"cost_usd"`
	Confidence      float64      `json:"confidence"`
	CacheHit        bool         `json:"cache_hit"`
	Blocked         bool         `json:"blocked"`
	ElapsedMs       int          `json:"elapsed_ms"`
	PromptHash      string       `json:"prompt_hash"`
	RationaleMD     string       `json:"rationale_md"`
	RationaleMDLite string       `json:"rationale_md_lite"`
	NextActions     []NextAction `json:"next_actions"`
	DetailLevel     string       `json:"detail_level"`
}

// LMAdapter is the pluggable boundary to a language-model backend. The
// stock teacher repo only ever needed MCP transports, not an LLM API;
// this mirrors that buildHTTPClient/transport shape for a new backend
// kind. CachedFields carries only the subset of a summary that should
// survive into the cache and future cache hits.
type LMAdapter interface {
	Summarize(ctx context.Context, stage string, kpis KPIs, sla SLAView, cfg LLMConfig) (CachedFields, error)
}

// CachedFields is the model-produced portion of a Summary that gets
// cached keyed by prompt hash.
type CachedFields struct {
	Model       string       `json:"model"`
	Tokens      int          `json:"tokens"`
	CostUSD     float64      `json:"cost_usd"`
	Confidence  float64      `json:"confidence"`
	RationaleMD string       `json:"rationale_md"`
	NextActions []NextAction `json:"next_actions"`
}

// Summarize generates a reflection summary for a completed stage,
// preferring a cached or freshly computed LLM summary and falling back
// to a deterministic rule-based summary when the LLM is disabled, the
// cost cap is already spent, or the call itself fails.
func Summarize(ctx context.Context, stage string, kpis KPIs, sla SLAView, llmCfg LLMConfig, adapter LMAdapter, cache *Cache, promptHash string, spentCost float64) Summary {
	start := time.Now()
	stageUpper := upper(stage)

	result := Summary{
		Stage:       stageUpper,
		Model:       "rule-engine",
		Confidence:  0.5,
		DetailLevel: "full",
	}

	if !llmCfg.Enable || effectiveCostCap(llmCfg) <= spentCost {
		result.Blocked = true
		result.RationaleMD = ruleBasedSummary(stageUpper, kpis, sla)
		result.RationaleMDLite = SanitizeAndShorten(result.RationaleMD, 1200)
		result.NextActions = ruleBasedNextActions(stageUpper, sla)
		result.ElapsedMs = int(time.Since(start).Milliseconds())
		return result
	}

	if promptHash == "" {
		promptHash = computePromptHash(stageUpper, kpis, sla)
	}
	result.PromptHash = promptHash

	if cache != nil {
		if cached, ok := cache.Get(promptHash); ok {
			result.Model = cached.Model
			result.Tokens = 0
			result.CostUSD = 0.0
			result.Confidence = cached.Confidence
			result.RationaleMD = cached.RationaleMD
			result.NextActions = cached.NextActions
			result.CacheHit = true
			result.RationaleMDLite = SanitizeAndShorten(result.RationaleMD, 1200)
			result.ElapsedMs = int(time.Since(start).Milliseconds())
			return result
		}
	}

	if adapter != nil {
		cached, err := adapter.Summarize(ctx, stageUpper, kpis, sla, llmCfg)
		if err == nil {
			if spentCost+cached.CostUSD > effectiveCostCap(llmCfg) {
				result.Blocked = true
				result.RationaleMD = ruleBasedSummary(stageUpper, kpis, sla)
				result.RationaleMDLite = SanitizeAndShorten(result.RationaleMD, 1200)
				result.NextActions = ruleBasedNextActions(stageUpper, sla)
				result.ElapsedMs = int(time.Since(start).Milliseconds())
				return result
			}
			result.Model = cached.Model
			result.Tokens = cached.Tokens
			result.CostUSD = cached.CostUSD
			result.Confidence = cached.Confidence
			result.RationaleMD = cached.RationaleMD
			result.NextActions = cached.NextActions
			result.RationaleMDLite = SanitizeAndShorten(result.RationaleMD, 1200)
			if cache != nil {
				cache.Set(promptHash, cached)
			}
			result.ElapsedMs = int(time.Since(start).Milliseconds())
			return result
		}
	}

	result.RationaleMD = ruleBasedSummary(stageUpper, kpis, sla)
	result.RationaleMDLite = SanitizeAndShorten(result.RationaleMD, 1200)
	result.NextActions = ruleBasedNextActions(stageUpper, sla)
	result.Model = "rule-engine"
	result.ElapsedMs = int(time.Since(start).Milliseconds())
	return result
}

func effectiveCostCap(cfg LLMConfig) float64 {
	if cfg.CostCapUSD == 0 {
		return 0.50
	}
	return cfg.CostCapUSD
}

func computePromptHash(stage string, kpis KPIs, sla SLAView) string {
	data := map[string]any{
		"stage":       stage,
		"metrics":     kpis.Metrics,
		"sla_verdict": sla.Verdict,
	}
	if data["metrics"] == nil {
		data["metrics"] = map[string]any{}
	}
	if sla.Verdict == "" {
		data["sla_verdict"] = "unknown"
	}
	payload, _ := json.Marshal(data)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}

func ruleBasedSummary(stage string, kpis KPIs, sla SLAView) string {
	lines := []string{"# Stage: " + stage, ""}

	metrics := kpis.Metrics
	if len(metrics) > 0 {
		lines = append(lines, "## Metrics")
		if v, ok := metrics["recall_at_10"]; ok {
			if f, ok := asFloat(v); ok {
				lines = append(lines, fmt.Sprintf("- Recall@10: %.4f", f))
			}
		}
		if v, ok := metrics["p95_ms"]; ok {
			if f, ok := asFloat(v); ok {
				lines = append(lines, fmt.Sprintf("- P95 Latency: %.2f ms", f))
			}
		}
		if v, ok := metrics["cost"]; ok {
			if f, ok := asFloat(v); ok {
				lines = append(lines, fmt.Sprintf("- Cost: %.4f", f))
			}
		}
		lines = append(lines, "")
	}

	verdict := sla.Verdict
	if verdict == "" {
		verdict = "unknown"
	}
	lines = append(lines, "## SLA Status: "+upper(verdict))
	for _, check := range sla.Checks {
		status := "✗"
		if check.Status == "pass" {
			status = "✓"
		}
		lines = append(lines, fmt.Sprintf("- %s %s: %s", status, check.Metric, check.Status))
	}
	lines = append(lines, "")

	if kpis.DurationMs > 0 {
		lines = append(lines, fmt.Sprintf("## Duration: %d ms", kpis.DurationMs))
	}

	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

var stageOrder = []string{"SMOKE", "GRID", "AB", "SELECT", "PUBLISH"}

func ruleBasedNextActions(stage string, sla SLAView) []NextAction {
	var actions []NextAction

	for i, s := range stageOrder {
		if s == stage {
			if i < len(stageOrder)-1 {
				next := stageOrder[i+1]
				actions = append(actions, NextAction{
					ID:     "proceed_to_" + lower(next),
					Label:  "Proceed to " + next,
					EtaMin: estimateEtaMin(next),
				})
			}
			break
		}
	}

	if sla.Verdict == "fail" {
		actions = append(actions, NextAction{ID: "review_sla_violations", Label: "Review SLA violations", EtaMin: 5})
	}
	if actions == nil {
		actions = []NextAction{}
	}
	return actions
}

var etaEstimates = map[string]int{
	"SMOKE":   2,
	"GRID":    10,
	"AB":      5,
	"SELECT":  1,
	"PUBLISH": 2,
}

func estimateEtaMin(stage string) int {
	if v, ok := etaEstimates[stage]; ok {
		return v
	}
	return 5
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func upper(s string) string {
	return strings.ToUpper(s)
}

func lower(s string) string {
	return strings.ToLower(s)
}
