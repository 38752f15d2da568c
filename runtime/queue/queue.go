// Package queue defines the job queue contract the engine schedules work
// through. Jobs are opaque payloads with deterministic IDs: enqueueing an ID
// that is already pending or scheduled is a no-op, which is what lets the
// scheduler and crash recovery re-enqueue blindly. Backends guarantee
// at-least-once delivery and FIFO order within a queue under uncontended
// consumption; delayed jobs become due within one tick of their RunAt.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Job is one unit of queued work.
	Job struct {
		// ID deduplicates enqueues. An ID is occupied while its job is
		// pending or scheduled; dequeue and cancel release it. Empty IDs
		// get a random one assigned on enqueue.
		ID string `json:"id"`
		// Queue names the queue the job was enqueued on.
		Queue string `json:"queue"`
		// Kind selects the worker handler.
		Kind string `json:"kind"`
		// Payload is the encoded job body. The queue never looks inside.
		Payload []byte `json:"payload,omitempty"`
		// RunAt is when the job becomes due. Zero means immediately.
		RunAt time.Time `json:"run_at"`
		// Attempt counts deliveries, starting at 1 on first dequeue.
		Attempt int `json:"attempt"`
		// EnqueuedAt is when the job was first accepted.
		EnqueuedAt time.Time `json:"enqueued_at"`
	}

	// Queue is the transport jobs travel through. Implementations own
	// their concurrency discipline; callers may share one Queue across
	// goroutines and processes.
	Queue interface {
		// Enqueue appends a job to the named queue. It reports false
		// without error when the job ID is already occupied.
		Enqueue(ctx context.Context, queue string, job Job) (bool, error)

		// EnqueueIn schedules a job to become due after delay. Dedupe
		// rules match Enqueue.
		EnqueueIn(ctx context.Context, queue string, delay time.Duration, job Job) (bool, error)

		// Dequeue pops the oldest due job from the given queues,
		// blocking up to wait. It returns nil when nothing became due
		// in time.
		Dequeue(ctx context.Context, queues []string, wait time.Duration) (*Job, error)

		// ListScheduled returns the not-yet-due jobs of a queue ordered
		// by due time.
		ListScheduled(ctx context.Context, queue string) ([]Job, error)

		// Cancel drops a pending or scheduled job by ID and releases
		// the ID. It reports false when the ID is not present.
		Cancel(ctx context.Context, id string) (bool, error)
	}
)

// ErrClosed is returned by operations on a queue that has been shut down.
var ErrClosed = errors.New("queue: closed")

// NewJob builds a job of the given kind with a JSON-encoded payload. The ID
// is left empty so the backend assigns a random one; callers needing dedupe
// set ID themselves.
func NewJob(kind string, payload any) (Job, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Job{}, fmt.Errorf("encode %s job payload: %w", kind, err)
		}
		body = b
	}
	return Job{Kind: kind, Payload: body}, nil
}

// DecodePayload unmarshals the job body into out.
func (j Job) DecodePayload(out any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, out); err != nil {
		return fmt.Errorf("decode %s job payload: %w", j.Kind, err)
	}
	return nil
}

// NewID returns a fresh random job ID.
func NewID() string { return uuid.NewString() }
