package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Smoke.Sample = 20
	cfg.Grid.Sample = 100
	cfg.AB.Sample = 200
	return cfg
}

func TestValidateAllPassesOnDefaults(t *testing.T) {
	assert.NoError(t, NewValidator(validConfig()).ValidateAll())
}

func TestValidateRunRejectsZeroConcurrencyLimit(t *testing.T) {
	cfg := validConfig()
	cfg.Run.ConcurrencyLimit = 0
	assert.Error(t, NewValidator(cfg).ValidateAll())
}

func TestValidateRunRejectsZeroQueueSize(t *testing.T) {
	cfg := validConfig()
	cfg.Run.QueueSize = 0
	assert.Error(t, NewValidator(cfg).ValidateAll())
}

func TestValidateStagesRejectsNonPositiveSample(t *testing.T) {
	cfg := validConfig()
	cfg.Grid.Sample = 0
	assert.Error(t, NewValidator(cfg).ValidateAll())
}

func TestValidateStagesRejectsNegativeBackoff(t *testing.T) {
	cfg := validConfig()
	cfg.Smoke.BackoffS = -1
	assert.Error(t, NewValidator(cfg).ValidateAll())
}

func TestValidateBudgetRejectsZeroMaxConcurrentRuns(t *testing.T) {
	cfg := validConfig()
	cfg.Budget.MaxConcurrentRuns = 0
	assert.Error(t, NewValidator(cfg).ValidateAll())
}

func TestValidateLLMSkippedWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.Enable = false
	cfg.LLM.Provider = "unsupported-provider"
	assert.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidateLLMRejectsUnsupportedProviderWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.Enable = true
	cfg.LLM.Provider = "anthropic"
	assert.Error(t, NewValidator(cfg).ValidateAll())
}
