package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestInitializeMergesUserValuesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "orchestrator.yaml", `
reports_dir: /tmp/custom-reports
run:
  concurrency_limit: 4
base_url: http://api.internal:8080
allowed_hosts:
  - api.internal:8080
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-reports", cfg.ReportsDir)
	assert.Equal(t, 4, cfg.Run.ConcurrencyLimit)
	assert.Equal(t, 10, cfg.Run.QueueSize) // default preserved
	assert.Equal(t, "http://api.internal:8080", cfg.BaseURL)
}

func TestInitializeAppliesAllDefaultsWhenFileMinimal(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "orchestrator.yaml", "reports_dir: reports\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Run.ConcurrencyLimit)
	assert.Equal(t, 0.3, cfg.Reflection.FailureRate)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
}

func TestInitializeExpandsEnvironmentVariables(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ORCHEVAL_TEST_HOST", "qdrant.internal:6333")
	writeConfigFile(t, dir, "orchestrator.yaml", "base_url: http://${ORCHEVAL_TEST_HOST}\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "http://qdrant.internal:6333", cfg.BaseURL)
}

func TestInitializeFailsOnMissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestInitializeFailsOnInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "orchestrator.yaml", "run:\n  concurrency_limit: [this is not valid\n")

	_, err := Initialize(context.Background(), dir)
	assert.Error(t, err)
}

func TestInitializeFailsValidationOnBadConcurrency(t *testing.T) {
	dir := t.TempDir()
	// -1 is non-zero so mergo.WithOverride lets it win over the default of 2.
	writeConfigFile(t, dir, "orchestrator.yaml", "run:\n  concurrency_limit: -1\n")

	_, err := Initialize(context.Background(), dir)
	assert.Error(t, err)
}

func TestLoadPoliciesReturnsEmptyWhenPathBlank(t *testing.T) {
	policies, err := LoadPolicies("")
	require.NoError(t, err)
	assert.Empty(t, policies)
}

func TestLoadPoliciesReturnsEmptyWhenFileMissing(t *testing.T) {
	policies, err := LoadPolicies(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, policies)
}

func TestLoadPoliciesParsesNamedPresets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
baseline:
  dataset: fiqa
  queries_path: /data/fiqa/queries.jsonl
  qrels_path: /data/fiqa/qrels.tsv
  top_k: 10
  mmr: false
  ef_search: 128
`), 0o644))

	policies, err := LoadPolicies(path)
	require.NoError(t, err)
	require.Contains(t, policies, "baseline")
	assert.Equal(t, "fiqa", policies["baseline"].Dataset)
	assert.Equal(t, 10, policies["baseline"].TopK)
}

func TestResolvePolicyReturnsErrorWhenNameUnknown(t *testing.T) {
	_, err := ResolvePolicy(map[string]Policy{}, "missing")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}
