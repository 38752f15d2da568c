// Package checkpoint defines the snapshot persistence contract. Two backends
// co-exist behind the same interface:
//
//   - a durable store for conversation memory, keyed by thread id so the same
//     user talking to the same workflow continues the same conversation, and
//   - an ephemeral store that carries state across a single interrupt
//     (human confirmation, sub-workflow, delay) with a TTL exceeding the
//     interrupt horizon.
//
// Blobs are opaque to the store; only the executor knows their layout.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Checkpoint is one persisted snapshot.
	Checkpoint struct {
		// ThreadID groups checkpoints into a lineage.
		ThreadID string
		// ID uniquely identifies the checkpoint within its thread.
		ID string
		// ParentID links to the previous checkpoint in the lineage, empty for
		// the first.
		ParentID string
		// Step is a monotonically increasing sequence within the thread.
		Step int
		// Source records what produced the snapshot, such as "interrupt" or
		// "memory".
		Source string
		// Blob is the opaque snapshot payload.
		Blob []byte
		// CreatedAt is when the snapshot was taken, UTC.
		CreatedAt time.Time
	}

	// Store persists checkpoints. Implementations choose durability and TTL;
	// the contract is the same either way.
	Store interface {
		// Save persists one checkpoint.
		Save(ctx context.Context, cp Checkpoint) error
		// Latest returns the newest checkpoint of a thread, ErrNotFound when
		// the thread has none.
		Latest(ctx context.Context, threadID string) (Checkpoint, error)
		// List returns a thread's checkpoints in step order.
		List(ctx context.Context, threadID string) ([]Checkpoint, error)
		// Delete removes a thread's checkpoints. Only explicit user action
		// calls this.
		Delete(ctx context.Context, threadID string) error
	}
)

// ErrNotFound reports a thread with no checkpoints.
var ErrNotFound = errors.New("checkpoint not found")

// ThreadID derives the canonical grouping key from the caller's identity, the
// channel it talks on and the workflow. Empty parts are kept so the shape
// stays stable.
func ThreadID(userIdentity, channelIdentity, workflowID string) string {
	return fmt.Sprintf("%s:%s:%s", userIdentity, channelIdentity, workflowID)
}

// ExecutionThreadID keys the ephemeral snapshots that carry one execution
// across an interrupt.
func ExecutionThreadID(executionID string) string {
	return "exec:" + executionID
}
