package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockRunSynthesizesMetrics(t *testing.T) {
	runsDir := t.TempDir()
	cfg := Config{MockRunner: true, RunsDir: runsDir}
	spec := JobSpec{JobPrefix: "smoke", Sample: 50, TopK: 10}

	adapter := NewAdapter()
	result, err := adapter.Run(context.Background(), spec, cfg)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.InDelta(t, 0.6, result.Metrics["recall_at_10"], 1e-9)
	assert.InDelta(t, 110.0, result.Metrics["p95_ms"], 1e-9)
	assert.InDelta(t, 0.01, result.Metrics["cost_per_query"], 1e-9)
	assert.FileExists(t, result.MetricsPath)
}

func TestValidateHostRejectsUnlistedHost(t *testing.T) {
	err := validateHost("http://evil.example:9999", []string{"api.internal:8080"})
	assert.Error(t, err)
}

func TestValidateHostAcceptsAllowedHost(t *testing.T) {
	err := validateHost("http://api.internal:8080/x", []string{"api.internal:8080"})
	assert.NoError(t, err)
}

func TestEffectiveBaseURLAppliesHostAlias(t *testing.T) {
	cfg := Config{
		BaseURL:     "http://searchforge-qdrant:6333",
		HostAliases: map[string]string{"searchforge-qdrant": "localhost"},
	}
	assert.Equal(t, "http://localhost:6333", effectiveBaseURL(cfg))
}

func TestEffectiveBaseURLPassesThroughWithoutAlias(t *testing.T) {
	cfg := Config{BaseURL: "http://api.internal:8080"}
	assert.Equal(t, "http://api.internal:8080", effectiveBaseURL(cfg))
}

func TestBuildRunnerCommandSkipsUnsupportedExtraArgs(t *testing.T) {
	cfg := Config{RunnerCmd: "true"}
	spec := JobSpec{
		Dataset:     "fiqa",
		Sample:      100,
		TopK:        10,
		Concurrency: 2,
		ExtraArgs:   map[string]any{"use_hybrid": true, "warm_cache": true, "rerank": true},
	}
	cmd, err := buildRunnerCommand(spec, cfg, "")
	require.NoError(t, err)
	assert.Contains(t, cmd, "--rerank")
	assert.NotContains(t, cmd, "--use-hybrid")
	assert.NotContains(t, cmd, "--warm-cache")
}

func TestBuildRunnerCommandIncludesMMRFlags(t *testing.T) {
	cfg := Config{RunnerCmd: "true"}
	spec := JobSpec{Dataset: "fiqa", Sample: 10, TopK: 10, Concurrency: 1, MMR: true, MMRLambda: 0.5}
	cmd, err := buildRunnerCommand(spec, cfg, "")
	require.NoError(t, err)
	assert.Contains(t, cmd, "--mmr")
	assert.Contains(t, cmd, "--mmr-lambda")
}

func TestRunRetriesOnFailureThenSucceeds(t *testing.T) {
	runsDir := t.TempDir()
	scriptDir := t.TempDir()
	script := filepath.Join(scriptDir, "runner.sh")

	// First invocation fails (exit 1, no metrics.json); second invocation
	// succeeds and writes metrics.json. The script uses a sentinel file
	// under scriptDir to distinguish invocation count.
	sentinel := filepath.Join(scriptDir, "attempted")
	scriptBody := "#!/bin/sh\n" +
		"if [ -f \"" + sentinel + "\" ]; then\n" +
		"  mkdir -p \"$RUNS_DIR/$JOB_ID\"\n" +
		"  echo '{\"job_id\":\"'\"$JOB_ID\"'\",\"status\":\"ok\",\"metrics\":{\"recall_at_10\":0.9,\"p95_ms\":50,\"cost_per_query\":0.01,\"count\":10}}' > \"$RUNS_DIR/$JOB_ID/metrics.json\"\n" +
		"  exit 0\n" +
		"else\n" +
		"  touch \"" + sentinel + "\"\n" +
		"  exit 1\n" +
		"fi\n"
	require.NoError(t, os.WriteFile(script, []byte(scriptBody), 0o755))

	cfg := Config{
		RunnerCmd:    script,
		RunsDir:      runsDir,
		BaseURL:      "http://api.internal:8080",
		AllowedHosts: []string{"api.internal:8080"},
	}
	spec := JobSpec{
		JobPrefix:      "smoke",
		Dataset:        "fiqa",
		Sample:         10,
		TopK:           10,
		Concurrency:    1,
		MaxRetries:     2,
		BackoffS:       0.01,
		RunnerTimeoutS: 5,
	}

	adapter := NewAdapter()

	result, err := adapter.Run(context.Background(), spec, cfg)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.InDelta(t, 0.9, result.Metrics["recall_at_10"], 1e-9)
}
