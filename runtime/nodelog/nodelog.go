// Package nodelog defines the append-only per-node audit trail of an
// execution. Every reachable node ends up with exactly one terminal entry
// (success, failed or skipped); waiting entries mark suspension points along
// the way.
package nodelog

import (
	"context"
	"time"

	"pipelit.dev/pipelit/runtime/node"
)

type (
	// Entry is one observation of a node's lifecycle.
	Entry struct {
		// ExecutionID and NodeID identify the observed node run.
		ExecutionID string
		NodeID      string
		// Status is the observed state.
		Status Status
		// Output holds the node's public outputs on success.
		Output map[string]any
		// Error and ErrorCode describe a failure.
		Error     string
		ErrorCode string
		// DurationMS measures the run in milliseconds, zero for skipped.
		DurationMS int64
		// Timestamp is when the observation was made, UTC.
		Timestamp time.Time
		// Usage carries token accounting when the node reported any.
		Usage *node.TokenUsage
	}

	// Store persists entries. Append-only.
	Store interface {
		Append(ctx context.Context, e Entry) error
		// List returns an execution's entries in append order.
		List(ctx context.Context, executionID string) ([]Entry, error)
	}

	// Status is the observed node state.
	Status string
)

const (
	// StatusPending marks a node scheduled but not yet started.
	StatusPending Status = "pending"
	// StatusRunning marks a node in flight.
	StatusRunning Status = "running"
	// StatusSuccess marks a node that returned outputs.
	StatusSuccess Status = "success"
	// StatusFailed marks a node whose runnable raised.
	StatusFailed Status = "failed"
	// StatusSkipped marks a node pruned by routing or an untaken branch.
	StatusSkipped Status = "skipped"
	// StatusWaiting marks a node suspended at a sentinel.
	StatusWaiting Status = "waiting"
)

// Terminal reports whether the status closes the node's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped:
		return true
	}
	return false
}
