// Package orcherr defines the orchestrator's error taxonomy: one sentinel
// value per failure kind plus a BlockError wrapper that carries the
// human-readable hint and structured details callers and EventLog payloads
// need.
package orcherr

import (
	"errors"
	"fmt"
)

var (
	// ErrPlanInvalid indicates a malformed plan or grid input.
	ErrPlanInvalid = errors.New("plan invalid")

	// ErrSecurityBlock indicates the backend host is not in the allow-list.
	ErrSecurityBlock = errors.New("security block")

	// ErrDatasetBlock indicates the dataset is disabled or not whitelisted.
	ErrDatasetBlock = errors.New("dataset block")

	// ErrAlignmentBlock indicates missing paths, an auditor failure, or a
	// qrels/collection mismatch.
	ErrAlignmentBlock = errors.New("alignment block")

	// ErrBudgetBlock indicates a concurrency, token, or cost cap was
	// breached at intake.
	ErrBudgetBlock = errors.New("budget block")

	// ErrHealthCheck indicates a backend health probe failed.
	ErrHealthCheck = errors.New("health check failed")

	// ErrRunnerTimeout indicates the runner child process exceeded its
	// configured timeout.
	ErrRunnerTimeout = errors.New("runner timeout")

	// ErrRunnerFailed indicates a non-zero runner exit or missing metrics.
	ErrRunnerFailed = errors.New("runner failed")

	// ErrMetricsUnavailable indicates no metrics.json could be resolved.
	ErrMetricsUnavailable = errors.New("metrics unavailable")

	// ErrQueueFull indicates the scheduler's bounded queue is saturated.
	ErrQueueFull = errors.New("queue full")

	// ErrStageFailed is the catch-all raised from within a stage body.
	ErrStageFailed = errors.New("stage failed")

	// ErrRunNotFound indicates GetStatus was called for an unknown run_id.
	ErrRunNotFound = errors.New("run not found")
)

// BlockError wraps a sentinel kind with a hint and structured details,
// mirroring the event payload shape spec.md §6 requires for error events:
// {type, msg, hint?, details?}.
type BlockError struct {
	Kind    error
	Msg     string
	Hint    string
	Details map[string]any
}

func (e *BlockError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.Error()
}

func (e *BlockError) Unwrap() error {
	return e.Kind
}

// NewBlockError builds a BlockError for the given sentinel kind.
func NewBlockError(kind error, msg, hint string, details map[string]any) *BlockError {
	return &BlockError{Kind: kind, Msg: msg, Hint: hint, Details: details}
}

// Payload renders the error as the {type, msg, hint?, details?} shape the
// EventLog expects in error payloads.
func Payload(err error) map[string]any {
	payload := map[string]any{
		"type": typeName(err),
		"msg":  err.Error(),
	}
	var be *BlockError
	if errors.As(err, &be) {
		if be.Hint != "" {
			payload["hint"] = be.Hint
		}
		if len(be.Details) > 0 {
			payload["details"] = be.Details
		}
	}
	return payload
}

func typeName(err error) string {
	switch {
	case errors.Is(err, ErrPlanInvalid):
		return "PlanInvalid"
	case errors.Is(err, ErrSecurityBlock):
		return "SecurityBlock"
	case errors.Is(err, ErrDatasetBlock):
		return "DatasetBlock"
	case errors.Is(err, ErrAlignmentBlock):
		return "AlignmentBlock"
	case errors.Is(err, ErrBudgetBlock):
		return "BudgetBlock"
	case errors.Is(err, ErrHealthCheck):
		return "HealthCheck"
	case errors.Is(err, ErrRunnerTimeout):
		return "RunnerTimeout"
	case errors.Is(err, ErrRunnerFailed):
		return "RunnerFailed"
	case errors.Is(err, ErrMetricsUnavailable):
		return "MetricsUnavailable"
	case errors.Is(err, ErrQueueFull):
		return "QueueFull"
	case errors.Is(err, ErrStageFailed):
		return "StageFailed"
	default:
		return "Error"
	}
}
