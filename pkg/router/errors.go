package router

import (
	"context"
	"errors"

	"nodepool/pkg/connection"
)

var (
	// ErrNoEndpoints is returned when no usable endpoint can serve the request.
	ErrNoEndpoints = errors.New("no usable endpoints")

	// ErrAllAttemptsFailed wraps the last error after every endpoint failed.
	ErrAllAttemptsFailed = errors.New("all attempts failed")

	// ErrNotInitialized is returned before Initialize or after Shutdown.
	ErrNotInitialized = errors.New("router not initialized")

	// ErrProtocol marks unexpected responses and node-side errors.
	ErrProtocol = errors.New("protocol error")
)

// Outcome classifies one attempt for scoring.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeError
	OutcomeCapacity
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCapacity:
		return "capacity"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// Scored reports whether the outcome says something about the node.
func (o Outcome) Scored() bool {
	return o == OutcomeSuccess || o == OutcomeTimeout || o == OutcomeError
}

// classify maps an attempt error to its outcome. parent is the caller's context: when it
// is done the attempt was abandoned, not failed.
func classify(parent context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case parent.Err() != nil:
		return OutcomeCancelled
	case errors.Is(err, connection.ErrCircuitOpen),
		errors.Is(err, connection.ErrPoolExhausted),
		errors.Is(err, ErrNoEndpoints):
		return OutcomeCapacity
	case errors.Is(err, connection.ErrTimeout),
		errors.Is(err, connection.ErrConnectTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}
