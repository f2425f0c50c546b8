package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOverUserConfigKeepsDefaultsWhenUserFieldUnset(t *testing.T) {
	defaults := DefaultConfig()
	user := &Config{BaseURL: "http://api.internal:8080"}

	merged, err := mergeOverUserConfig(defaults, user)
	require.NoError(t, err)
	assert.Equal(t, "http://api.internal:8080", merged.BaseURL)
	assert.Equal(t, 2, merged.Run.ConcurrencyLimit)
}

func TestMergeOverUserConfigOverridesNonZeroFields(t *testing.T) {
	defaults := DefaultConfig()
	user := &Config{Run: RunConfig{ConcurrencyLimit: 8}}

	merged, err := mergeOverUserConfig(defaults, user)
	require.NoError(t, err)
	assert.Equal(t, 8, merged.Run.ConcurrencyLimit)
	assert.Equal(t, 10, merged.Run.QueueSize)
}

func TestMergePolicyIntoPlanMetadataFillsMissingKeys(t *testing.T) {
	policy := Policy{Dataset: "fiqa", QueriesPath: "q.jsonl", QrelsPath: "qrels.tsv", TopK: 10}
	metadata := MergePolicyIntoPlanMetadata(nil, policy)
	assert.Equal(t, "fiqa", metadata["dataset"])
	assert.Equal(t, "q.jsonl", metadata["queries_path"])
}

func TestMergePolicyIntoPlanMetadataDoesNotOverwriteExistingKeys(t *testing.T) {
	policy := Policy{Dataset: "fiqa"}
	metadata := MergePolicyIntoPlanMetadata(map[string]any{"dataset": "scifact"}, policy)
	assert.Equal(t, "scifact", metadata["dataset"])
}
