package config

import "fmt"

// Validator validates a resolved Config comprehensively, fail-fast at the
// first error, mirroring the teacher's ordered validation pass.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every check in dependency order: run/queue shape first,
// then the stage sections that depend on it, then the ambient LLM/budget
// knobs.
func (v *Validator) ValidateAll() error {
	if err := v.validateRun(); err != nil {
		return fmt.Errorf("run validation failed: %w", err)
	}
	if err := v.validateStages(); err != nil {
		return fmt.Errorf("stage validation failed: %w", err)
	}
	if err := v.validateBudget(); err != nil {
		return fmt.Errorf("budget validation failed: %w", err)
	}
	if err := v.validateLLM(); err != nil {
		return fmt.Errorf("llm validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateRun() error {
	r := v.cfg.Run
	if r.ConcurrencyLimit < 1 {
		return NewValidationError("run.concurrency_limit", fmt.Errorf("must be at least 1, got %d", r.ConcurrencyLimit))
	}
	if r.QueueSize < 1 {
		return NewValidationError("run.queue_size", fmt.Errorf("must be at least 1, got %d", r.QueueSize))
	}
	return nil
}

func (v *Validator) validateStages() error {
	for name, stage := range map[string]StageConfig{"smoke": v.cfg.Smoke, "grid": v.cfg.Grid, "ab": v.cfg.AB} {
		if stage.Sample <= 0 {
			return NewValidationError(name+".sample", fmt.Errorf("must be positive, got %d", stage.Sample))
		}
		if stage.Concurrency < 0 {
			return NewValidationError(name+".concurrency", fmt.Errorf("must be non-negative, got %d", stage.Concurrency))
		}
		if stage.MaxRetries < 0 {
			return NewValidationError(name+".max_retries", fmt.Errorf("must be non-negative, got %d", stage.MaxRetries))
		}
		if stage.BackoffS < 0 {
			return NewValidationError(name+".backoff_s", fmt.Errorf("must be non-negative, got %v", stage.BackoffS))
		}
	}
	return nil
}

func (v *Validator) validateBudget() error {
	b := v.cfg.Budget
	if b.MaxConcurrentRuns < 1 {
		return NewValidationError("budget.max_concurrent_runs", fmt.Errorf("must be at least 1, got %d", b.MaxConcurrentRuns))
	}
	if b.MaxCostUSD < 0 {
		return NewValidationError("budget.max_cost_usd", fmt.Errorf("must be non-negative, got %v", b.MaxCostUSD))
	}
	return nil
}

func (v *Validator) validateLLM() error {
	llm := v.cfg.LLM
	if !llm.Enable {
		return nil
	}
	if llm.Provider != "" && llm.Provider != "openai" {
		return NewValidationError("llm.provider", fmt.Errorf("unsupported provider %q", llm.Provider))
	}
	if llm.CostCapUSD < 0 {
		return NewValidationError("llm.cost_cap_usd", fmt.Errorf("must be non-negative, got %v", llm.CostCapUSD))
	}
	return nil
}
