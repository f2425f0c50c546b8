// Package models holds the plain, JSON-tagged domain types exchanged
// across package boundaries: the experiment plan a client submits, and
// the submit/status/dry-run/winners responses the orchestrator returns.
package models

// ExperimentPlan is a client's request to run an evaluation campaign
// against one dataset. SearchSpace and Budget are loose maps because
// their shape is grid-config-dependent (see pkg/planner).
type ExperimentPlan struct {
	Dataset     string         `json:"dataset"`
	SampleSize  int            `json:"sample_size"`
	SearchSpace map[string]any `json:"search_space"`
	Budget      map[string]any `json:"budget,omitempty"`
	Concurrency *int           `json:"concurrency,omitempty"`
	BaselineID  string         `json:"baseline_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WithoutMetadata returns a shallow copy of the plan's fields as a map,
// omitting metadata, for fingerprint.Compute's args_hash input.
func (p ExperimentPlan) WithoutMetadata() map[string]any {
	return map[string]any{
		"dataset":      p.Dataset,
		"sample_size":  p.SampleSize,
		"search_space": p.SearchSpace,
		"budget":       p.Budget,
		"concurrency":  p.Concurrency,
		"baseline_id":  p.BaselineID,
	}
}

// ToMap renders the full plan, metadata included, for RunMemory storage.
func (p ExperimentPlan) ToMap() map[string]any {
	m := p.WithoutMetadata()
	m["metadata"] = p.Metadata
	return m
}
