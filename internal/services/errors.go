package services

import (
	"errors"
	"fmt"
)

// Pipeline error taxonomy. Callers branch with errors.Is; transient
// provider/worker failures are retried by the backfill layer with bounded
// backoff, never inside the clients themselves (beyond the single
// connection-refused restart attempt in EmbeddingClient).
var (
	// ErrEmbeddingUnavailable: embedding provider process/API not reachable.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrEmbeddingTimeout: embed call exceeded its deadline.
	ErrEmbeddingTimeout = errors.New("embedding request timed out")

	// ErrEmbeddingMalformed: provider responded but the payload was not
	// parseable or had the wrong shape.
	ErrEmbeddingMalformed = errors.New("embedding response malformed")

	// ErrClusteringUnavailable: clustering worker not running and could
	// not be started.
	ErrClusteringUnavailable = errors.New("clustering worker unavailable")

	// ErrClusteringFailed: worker answered with a non-success response.
	// Partial results are never returned alongside this error.
	ErrClusteringFailed = errors.New("clustering run failed")

	// ErrInvalidInput: shape/dimension mismatch rejected before dispatch.
	ErrInvalidInput = errors.New("invalid clustering input")

	// ErrBackfillRunning: a backfill run is already in flight; overlapping
	// runs are refused to avoid doubling external-call volume.
	ErrBackfillRunning = errors.New("backfill run already in progress")
)

// ClusteringError wraps ErrClusteringFailed with the worker's error
// payload so operators can see what the worker reported.
type ClusteringError struct {
	StatusCode int
	Payload    string
}

func (e *ClusteringError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("clustering run failed: HTTP %d: %s", e.StatusCode, e.Payload)
	}
	return fmt.Sprintf("clustering run failed: %s", e.Payload)
}

func (e *ClusteringError) Unwrap() error {
	return ErrClusteringFailed
}
