package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadErrorWrapsUnderlyingError(t *testing.T) {
	inner := errors.New("boom")
	err := NewLoadError("orchestrator.yaml", inner)
	assert.Contains(t, err.Error(), "orchestrator.yaml")
	assert.ErrorIs(t, err, inner)
}

func TestValidationErrorWrapsUnderlyingError(t *testing.T) {
	inner := errors.New("must be positive")
	err := NewValidationError("run.queue_size", inner)
	assert.Contains(t, err.Error(), "run.queue_size")
	assert.ErrorIs(t, err, inner)
}
