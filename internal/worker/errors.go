package worker

import (
	"context"
	"errors"
	"net"

	"github.com/reelsmith/reelsmith/internal/pipeline"
	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// errInfra marks the worker's own queue/persistence failures.
var errInfra = errors.New("infrastructure failure")

// retryable is the pure classification from error kind to retry decision:
// validation and structurally invalid results are terminal; rate limits,
// timeouts, outages and infrastructure failures are retried. Unknown errors
// default to non-retryable.
func retryable(err error) bool {
	var perr *pipeline.ParallelError
	if errors.As(err, &perr) {
		// Retrying is only useful when every failing branch could pass.
		for _, f := range perr.Failures {
			if !retryable(f) {
				return false
			}
		}
		return true
	}

	var verr *pipeline.ValidationError
	if errors.As(err, &verr) {
		return false
	}
	if errors.Is(err, models.ErrInvalidResult) {
		return false
	}
	// A refused status transition means the durable state already moved on;
	// retrying cannot change that.
	if errors.Is(err, store.ErrInvalidTransition) {
		return false
	}

	if errors.Is(err, models.ErrRateLimited) ||
		errors.Is(err, models.ErrProviderTimeout) ||
		errors.Is(err, models.ErrProviderUnavailable) ||
		errors.Is(err, pipeline.ErrInfrastructure) ||
		errors.Is(err, errInfra) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
