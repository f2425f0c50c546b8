package config

// DefaultConfig returns the built-in defaults merged under any
// user-supplied orchestrator.yaml. Unset user fields fall through to
// these values via mergo.
func DefaultConfig() *Config {
	return &Config{
		ReportsDir: "reports",
		Run: RunConfig{
			ConcurrencyLimit: 2,
			QueueSize:        10,
			DryRunDefault:    true,
		},
		HealthTimeoutS: 5.0,
		RunnerTimeoutS: 120.0,
		RunsDir:        "runs",
		Smoke: StageConfig{
			Sample:          20,
			TopK:            []int{10},
			Concurrency:     1,
			TimeoutS:        120,
			MaxRetries:      1,
			BackoffS:        1.0,
			RateLimitPerSec: 2.0,
		},
		Grid: StageConfig{
			Sample:          100,
			Seed:            42,
			Concurrency:     2,
			TimeoutS:        120,
			MaxRetries:      2,
			BackoffS:        1.0,
			RateLimitPerSec: 2.0,
		},
		AB: StageConfig{
			Sample:          200,
			Concurrency:     1,
			TimeoutS:        180,
			MaxRetries:      2,
			BackoffS:        2.0,
			RateLimitPerSec: 1.0,
		},
		Reflection: ReflectionConfig{
			FailureRate:    0.3,
			RecallVariance: 0.02,
		},
		LLM: LLMConfig{
			Enable:      false,
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   512,
			Temperature: 0.2,
			CostCapUSD:  1.0,
		},
		Budget: Budget{
			MaxConcurrentRuns: 2,
			MaxTokens:         2_000_000,
			MaxCostUSD:        50.0,
		},
	}
}
