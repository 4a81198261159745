package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInfrastructure marks queue/persistence connectivity failures, which are
// retried by the worker.
var ErrInfrastructure = errors.New("infrastructure failure")

// ValidationError marks bad job parameters. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid job parameters: " + e.Reason
}

// StageError wraps a collaborator failure with stage and job context, so the
// worker's retry decision and the observer-visible message both identify the
// failing stage.
type StageError struct {
	JobID uuid.UUID
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (job %s): %v", e.Stage, e.JobID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ParallelError aggregates failures from the parallel stage group. It names
// every failing branch, not just the first, so retries are informed by the
// full failure set.
type ParallelError struct {
	Failures []*StageError
}

func (e *ParallelError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Stage, f.Err))
	}
	return "parallel stages failed: " + strings.Join(parts, "; ")
}

// Stages returns the names of the failing branches.
func (e *ParallelError) Stages() []string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Stage)
	}
	return names
}

func (e *ParallelError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
