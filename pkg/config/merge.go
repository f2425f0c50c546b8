package config

import "dario.cat/mergo"

// mergeOverUserConfig merges user-supplied values over the built-in
// defaults, non-zero user fields winning. Mirrors the teacher's
// defaults-then-override queue-config merge.
func mergeOverUserConfig(defaults *Config, user *Config) (*Config, error) {
	if err := mergo.Merge(defaults, user, mergo.WithOverride); err != nil {
		return nil, err
	}
	return defaults, nil
}

// MergePolicyIntoPlanMetadata copies policy fields into a plan's metadata
// map wherever the plan left the corresponding key unset. User-supplied
// metadata always wins.
func MergePolicyIntoPlanMetadata(metadata map[string]any, policy Policy) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	fields := map[string]any{
		"dataset":      policy.Dataset,
		"queries_path": policy.QueriesPath,
		"qrels_path":   policy.QrelsPath,
		"top_k":        policy.TopK,
		"mmr":          policy.MMR,
		"mmr_lambda":   policy.MMRLambda,
		"ef_search":    policy.EfSearch,
	}
	for key, value := range fields {
		if _, exists := metadata[key]; !exists {
			metadata[key] = value
		}
	}
	return metadata
}
