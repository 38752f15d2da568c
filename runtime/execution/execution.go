// Package execution defines the durable record of one workflow run and the
// store contract that owns its status transitions. A record is created by
// trigger dispatch, driven through its lifecycle by the executor, and read by
// callers awaiting results.
//
// Status changes go through compare-and-set transitions: workers race on
// resume and cancellation, and the store is the arbiter.
package execution

import (
	"context"
	"errors"
	"time"
)

type (
	// Record is the persisted state of one execution.
	Record struct {
		// ID uniquely identifies the execution.
		ID string
		// WorkflowID and WorkflowSlug snapshot the workflow identity; the
		// slug also names the event channel.
		WorkflowID   string
		WorkflowSlug string
		// TriggerNode is the node whose firing started this execution.
		TriggerNode string
		// Status is the lifecycle state.
		Status Status
		// TriggerPayload is the inbound event payload the state was seeded
		// with.
		TriggerPayload map[string]any
		// UserContext carries caller identity and channel metadata, used to
		// derive checkpoint thread ids.
		UserContext map[string]any
		// EpicID names the owning cost container, empty when unbudgeted.
		EpicID string
		// CorrelationID ties chat dispatches back to their caller.
		CorrelationID string
		// ParentExecutionID and ParentNodeID link a child execution to the
		// sub-workflow node awaiting it.
		ParentExecutionID string
		ParentNodeID      string
		// Depth counts sub-workflow nesting from the root, bounding
		// recursion.
		Depth int
		// InterruptReason records why an interrupted execution stopped.
		InterruptReason string
		// Error and ErrorCode describe a failed execution.
		Error     string
		ErrorCode string
		// FinalOutput is the terminal wave's visible output mapping.
		FinalOutput map[string]any
		// SpentTokens and SpentMicroUSD accumulate usage reported by nodes.
		SpentTokens   int64
		SpentMicroUSD int64
		// StartedAt is set when the executor picks the record up; CompletedAt
		// when it reaches a terminal status. UpdatedAt moves on every write
		// and doubles as the liveness signal for the zombie sweeper.
		StartedAt   time.Time
		CompletedAt time.Time
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// Transition is one compare-and-set status change with the fields it may
	// legally touch.
	Transition struct {
		// From is the expected current status.
		From Status
		// To is the target status.
		To Status
		// Error and ErrorCode annotate failures.
		Error     string
		ErrorCode string
		// InterruptReason annotates interruptions.
		InterruptReason string
		// FinalOutput is stored on completion.
		FinalOutput map[string]any
	}

	// Store persists execution records.
	Store interface {
		// Create inserts a new pending record.
		Create(ctx context.Context, rec Record) error
		// Load fetches a record by id, ErrNotFound when absent.
		Load(ctx context.Context, id string) (Record, error)
		// Transition applies a compare-and-set status change and returns the
		// updated record. ErrConflict reports a CAS miss.
		Transition(ctx context.Context, id string, tr Transition) (Record, error)
		// AddSpend accumulates token and money counters on the record.
		AddSpend(ctx context.Context, id string, tokens, microUSD int64) error
		// Touch bumps UpdatedAt so the zombie sweeper sees the execution is
		// alive.
		Touch(ctx context.Context, id string) error
		// ListByStatus returns records in the given status whose UpdatedAt is
		// at or before the cutoff; a zero cutoff means all.
		ListByStatus(ctx context.Context, status Status, updatedBefore time.Time) ([]Record, error)
	}

	// Status is the lifecycle state of an execution.
	Status string
)

const (
	// StatusPending indicates the execution is enqueued but not picked up.
	StatusPending Status = "pending"
	// StatusRunning indicates a worker is driving the plan.
	StatusRunning Status = "running"
	// StatusInterrupted indicates the execution suspended at a sentinel and
	// awaits input, a child execution, or a timer.
	StatusInterrupted Status = "interrupted"
	// StatusCompleted indicates the plan ran to the end.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a build error, node failure or engine fault.
	StatusFailed Status = "failed"
	// StatusCancelled indicates a user-requested stop.
	StatusCancelled Status = "cancelled"
)

var (
	// ErrNotFound reports a missing execution id.
	ErrNotFound = errors.New("execution not found")
	// ErrConflict reports a compare-and-set miss: the record is not in the
	// transition's From status.
	ErrConflict = errors.New("execution status conflict")
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// legal transitions, keyed by From.
var legal = map[Status][]Status{
	StatusPending:     {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:     {StatusInterrupted, StatusCompleted, StatusFailed, StatusCancelled},
	StatusInterrupted: {StatusRunning, StatusFailed, StatusCancelled},
}

// Allowed reports whether from → to is a legal lifecycle move.
func Allowed(from, to Status) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ApplyTransition mutates rec in place per tr, stamping timestamps. Store
// implementations share it so every backend writes the same shape.
func ApplyTransition(rec *Record, tr Transition, now time.Time) {
	rec.Status = tr.To
	rec.UpdatedAt = now
	if tr.Error != "" {
		rec.Error = tr.Error
	}
	if tr.ErrorCode != "" {
		rec.ErrorCode = tr.ErrorCode
	}
	if tr.InterruptReason != "" {
		rec.InterruptReason = tr.InterruptReason
	}
	if tr.FinalOutput != nil {
		rec.FinalOutput = tr.FinalOutput
	}
	switch tr.To {
	case StatusRunning:
		if rec.StartedAt.IsZero() {
			rec.StartedAt = now
		}
		rec.InterruptReason = ""
	case StatusCompleted, StatusFailed, StatusCancelled:
		rec.CompletedAt = now
	}
}
