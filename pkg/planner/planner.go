// Package planner builds the deterministic grid of GRID-stage tasks
// from a plan's search space and the static grid config, then chunks
// them into fixed-size batches for bounded-concurrency execution.
package planner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/justapithecus/orcheval/pkg/orcherr"
)

// Task is one grid cell: a config_id and its resolved parameters.
type Task struct {
	ConfigID   string
	Parameters map[string]any
}

// Batch is a fixed-size slice of tasks submitted together under a shared
// concurrency limit.
type Batch struct {
	BatchID     string
	Tasks       []Task
	Concurrency int
}

// Plan is the subset of an ExperimentPlan the grid builder consumes.
type Plan struct {
	Dataset      string
	SampleSize   int
	Concurrency  *int
	Budget       map[string]any
	SearchSpace  map[string]any
}

// mmrEntry is a normalized {mmr, mmr_lambda} pair.
type mmrEntry struct {
	enabled bool
	lambda  float64
}

// MakeGrid constructs deterministic grid batches from plan and cfg.
// cfg carries the raw "grid" and "reflection" config sections.
func MakeGrid(plan Plan, cfg map[string]any) ([]Batch, error) {
	gridCfg, _ := cfg["grid"].(map[string]any)
	reflectionCfg, _ := cfg["reflection"].(map[string]any)
	if reflectionCfg == nil {
		reflectionCfg = map[string]any{}
	}

	sample := plan.SampleSize
	if gridCfg != nil {
		if s, ok := asInt(gridCfg["sample"]); ok {
			sample = s
		}
	}

	var concurrency int
	if plan.Concurrency != nil {
		concurrency = *plan.Concurrency
	} else if gridCfg != nil {
		if c, ok := asInt(gridCfg["concurrency"]); ok && c != 0 {
			concurrency = c
		} else {
			concurrency = 1
		}
	} else {
		concurrency = 1
	}
	if concurrency <= 0 {
		return nil, orcherr.NewBlockError(orcherr.ErrPlanInvalid, "grid concurrency must be positive", "", nil)
	}

	searchSpace := plan.SearchSpace
	if searchSpace == nil {
		searchSpace = map[string]any{}
	}

	topKRaw := firstNonNil(searchSpace["top_k"], fieldOf(gridCfg, "top_k"))
	mmrRaw := firstNonNil(searchSpace["mmr"], fieldOf(gridCfg, "mmr"))
	efSearchRaw := firstNonNil(searchSpace["ef_search"], fieldOf(gridCfg, "ef_search"))

	topKValues, err := sortedUniqueInt(normalizeList(topKRaw))
	if err != nil {
		return nil, orcherr.NewBlockError(orcherr.ErrPlanInvalid, err.Error(), "", nil)
	}
	efSearchValues, err := sortedUniqueInt(normalizeList(efSearchRaw))
	if err != nil {
		return nil, orcherr.NewBlockError(orcherr.ErrPlanInvalid, err.Error(), "", nil)
	}

	mmrEntries := make([]mmrEntry, 0)
	for _, v := range normalizeList(mmrRaw) {
		entry, err := normalizeMMR(v)
		if err != nil {
			return nil, orcherr.NewBlockError(orcherr.ErrPlanInvalid, err.Error(), "", nil)
		}
		mmrEntries = append(mmrEntries, entry)
	}
	if len(mmrEntries) == 0 {
		return nil, orcherr.NewBlockError(orcherr.ErrPlanInvalid, "mmr values must not be empty", "", nil)
	}
	sort.SliceStable(mmrEntries, func(i, j int) bool {
		li, lj := mmrEntries[i], mmrEntries[j]
		if li.enabled != lj.enabled {
			return !li.enabled && lj.enabled
		}
		liLambda, ljLambda := 0.0, 0.0
		if li.enabled {
			liLambda = li.lambda
		}
		if lj.enabled {
			ljLambda = lj.lambda
		}
		return liLambda < ljLambda
	})

	var tasks []Task
	for _, topK := range topKValues {
		for _, mmr := range mmrEntries {
			for _, efSearch := range efSearchValues {
				parts := []string{
					plan.Dataset,
					fmt.Sprintf("k%d", topK),
					fmt.Sprintf("ef%d", efSearch),
				}
				if mmr.enabled {
					parts = append(parts, "mmr")
				} else {
					parts = append(parts, "nommr")
				}
				mmrLambda := 0.0
				if mmr.enabled {
					mmrLambda = mmr.lambda
					parts = append(parts, "l"+strings.ReplaceAll(strconv.FormatFloat(mmrLambda, 'g', -1, 64), ".", "p"))
				}
				configID := strings.Join(parts, "-")
				parameters := map[string]any{
					"dataset":     plan.Dataset,
					"sample":      sample,
					"top_k":       topK,
					"ef_search":   efSearch,
					"mmr":         mmr.enabled,
					"mmr_lambda":  mmrLambda,
					"budget":      plan.Budget,
					"concurrency": concurrency,
					"reflection":  reflectionCfg,
				}
				tasks = append(tasks, Task{ConfigID: configID, Parameters: parameters})
			}
		}
	}

	var batches []Batch
	for i := 0; i < len(tasks); i += concurrency {
		end := i + concurrency
		if end > len(tasks) {
			end = len(tasks)
		}
		batches = append(batches, Batch{
			BatchID:     fmt.Sprintf("grid-batch-%02d", i/concurrency+1),
			Tasks:       tasks[i:end],
			Concurrency: concurrency,
		})
	}
	return batches, nil
}

func fieldOf(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	return m[key]
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// normalizeList wraps scalars, passes through slices, and returns an
// empty slice for nil.
func normalizeList(values any) []any {
	if values == nil {
		return nil
	}
	switch t := values.(type) {
	case []any:
		return t
	case []int:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = v
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = v
		}
		return out
	default:
		return []any{values}
	}
}

// normalizeMMR mirrors the source's bool/None/numeric coercion rules.
func normalizeMMR(value any) (mmrEntry, error) {
	if b, ok := value.(bool); ok {
		if b {
			return mmrEntry{enabled: true, lambda: 0.3}, nil
		}
		return mmrEntry{enabled: false, lambda: 0.0}, nil
	}
	if value == nil {
		return mmrEntry{enabled: false, lambda: 0.0}, nil
	}
	num, ok := asFloat(value)
	if !ok {
		return mmrEntry{}, fmt.Errorf("invalid mmr configuration: %v", value)
	}
	if num <= 0 {
		return mmrEntry{enabled: false, lambda: 0.0}, nil
	}
	return mmrEntry{enabled: true, lambda: num}, nil
}

// sortedUniqueInt casts every value to int, dedupes, sorts ascending,
// and rejects an empty result.
func sortedUniqueInt(values []any) ([]int, error) {
	seen := map[int]struct{}{}
	for _, v := range values {
		n, ok := asInt(v)
		if !ok {
			return nil, fmt.Errorf("grid search value is not numeric: %v", v)
		}
		seen[n] = struct{}{}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("grid search values cannot be empty")
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
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
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
