package config

import "os"

// ExpandEnv expands environment variables in YAML content using Go's standard library.
// Supports both ${VAR} and $VAR syntax (standard shell-style).
//
// Examples:
//   - ${LLM_API_KEY} → value of LLM_API_KEY environment variable
//   - $RUNNER_CMD → value of RUNNER_CMD environment variable
//   - ${RUNS_HOST}:${RUNS_PORT} → hostname:port with both variables expanded
//
// Missing variables expand to empty string. Validation should catch required fields that are empty.
func ExpandEnv(data []byte) []byte {
	expanded := os.ExpandEnv(string(data))
	return []byte(expanded)
}
