package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load orchestrator.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into a Config
//  4. Merge user values over built-in defaults
//  5. Validate
//  6. Return Config ready for use
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	loader := &configLoader{configDir: configDir}

	user, err := loader.loadOrchestratorYAML()
	if err != nil {
		return nil, NewLoadError("orchestrator.yaml", err)
	}

	cfg, err := mergeOverUserConfig(DefaultConfig(), user)
	if err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}
	cfg.configDir = configDir

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized successfully",
		"reports_dir", cfg.ReportsDir,
		"concurrency_limit", cfg.Run.ConcurrencyLimit,
		"llm_enabled", cfg.LLM.Enable)

	return cfg, nil
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables before parsing so a missing API key
	// env var surfaces as an empty string, not a literal ${VAR}.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

func (l *configLoader) loadOrchestratorYAML() (*Config, error) {
	var cfg Config
	if err := l.loadYAML("orchestrator.yaml", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPolicies reads the keyed policy store document (policies_path) and
// returns it as a name->Policy map. A missing file is non-fatal: the
// Fingerprinter treats it as policy_fp="unknown" and the Scheduler simply
// has no baseline policies to resolve.
func LoadPolicies(path string) (map[string]Policy, error) {
	policies := map[string]Policy{}
	if path == "" {
		return policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policies, nil
		}
		return nil, NewLoadError(filepath.Base(path), err)
	}

	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, NewLoadError(filepath.Base(path), fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return policies, nil
}

// ResolvePolicy looks up name in the loaded store.
func ResolvePolicy(policies map[string]Policy, name string) (Policy, error) {
	policy, ok := policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	return policy, nil
}
