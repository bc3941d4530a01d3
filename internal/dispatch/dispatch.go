// Package dispatch schedules one unit of work per accepted failure event.
//
// Two modes are available. Local runs events on a bounded in-process queue
// drained by a fixed worker pool. Temporal starts one workflow per event
// with a deterministic workflow ID, so a re-delivery while the first
// workflow is still open attaches to it instead of starting another.
package dispatch

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/remedyd/internal/orchestrator"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

var (
	// ErrQueueFull is returned by Submit when the local queue has no room.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Dispatcher hands accepted events to the pipeline.
type Dispatcher interface {
	// Submit schedules ev and returns without waiting for the outcome.
	Submit(ctx context.Context, ev pipeline.FailureEvent) error
	// Close stops accepting work and waits for in-flight runs.
	Close(ctx context.Context) error
}

// Runner drives one event to a terminal state.
type Runner interface {
	Run(ctx context.Context, ev pipeline.FailureEvent) (orchestrator.Result, error)
}

// FatalFunc is called once when a run reports an invariant violation.
type FatalFunc func(err error)

// WorkflowID is the deterministic Temporal workflow ID for ev.
func WorkflowID(ev pipeline.FailureEvent) string {
	return "remediate-" + ev.Key()
}
