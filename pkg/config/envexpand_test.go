package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvSubstitutesBraceSyntax(t *testing.T) {
	t.Setenv("ORCHEVAL_TEST_VAR", "value")
	out := ExpandEnv([]byte("key: ${ORCHEVAL_TEST_VAR}"))
	assert.Equal(t, "key: value", string(out))
}

func TestExpandEnvMissingVariableExpandsEmpty(t *testing.T) {
	out := ExpandEnv([]byte("key: ${ORCHEVAL_DEFINITELY_UNSET}"))
	assert.Equal(t, "key: ", string(out))
}
