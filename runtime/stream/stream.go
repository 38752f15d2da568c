// Package stream defines the client-facing status events produced while an
// execution runs, and the Sink abstraction that carries them to a transport
// (Pulse, NATS, SSE). Status events are delivery hints for UIs and waiting
// callers; the state of record lives in the execution and node log stores.
//
// Events are published on the in-process hooks.Bus under two channels per
// execution: workflow:{slug} and execution:{id}. The Bridge forwards bus
// events to a Sink for cross-process delivery.
package stream

import (
	"context"
	"time"

	"pipelit.dev/pipelit/runtime/hooks"
)

// EventType identifies the payload category of a status event.
type EventType string

const (
	// EventNodeStatus reports a node lifecycle transition within an execution.
	EventNodeStatus EventType = "node_status"
	// EventExecutionCompleted reports normal termination with the final output.
	EventExecutionCompleted EventType = "execution_completed"
	// EventExecutionFailed reports abnormal termination.
	EventExecutionFailed EventType = "execution_failed"
	// EventExecutionInterrupted reports a suspension (human input, sub-workflow,
	// delay or interrupt flag). The execution stays resumable.
	EventExecutionInterrupted EventType = "execution_interrupted"
	// EventExecutionCancelled reports a user-requested cancellation.
	EventExecutionCancelled EventType = "execution_cancelled"
	// EventScheduleFired reports that the scheduler dispatched a recurring job.
	EventScheduleFired EventType = "schedule_fired"

	// Graph mutation events are forwarded from editor mutations. The execution
	// core never produces them; the constants exist so sinks and UIs share one
	// vocabulary.
	EventNodeCreated EventType = "node_created"
	EventNodeUpdated EventType = "node_updated"
	EventNodeDeleted EventType = "node_deleted"
	EventEdgeCreated EventType = "edge_created"
	EventEdgeDeleted EventType = "edge_deleted"
)

type (
	// Sink delivers status events to an external transport. Implementations
	// must be safe for concurrent Send calls; the executor publishes from
	// multiple node goroutines.
	Sink interface {
		// Send publishes one event. Implementations own marshaling and
		// transport semantics. Errors are reported to the caller but status
		// events are hints: callers log and continue rather than halting
		// execution.
		Send(ctx context.Context, event Event) error

		// Close releases transport resources. Idempotent. The context bounds
		// graceful shutdown; implementations abort when it expires.
		Close(ctx context.Context) error
	}

	// Event is a single status update tied to one execution. Concrete types
	// embed Base for the standard metadata and add a typed Data field. Sinks
	// marshal generically through Payload; consumers that need structured
	// access type-assert to the concrete type.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// ExecutionID returns the execution that produced the event.
		ExecutionID() string
		// WorkflowSlug returns the slug of the workflow being executed.
		WorkflowSlug() string
		// Timestamp returns the UTC time the event was created.
		Timestamp() time.Time
		// Payload returns the event data in a JSON-serializable form.
		Payload() any
		// Channels names the bus channels the event is delivered on.
		Channels() []string
	}

	// Base provides the Event implementation shared by all concrete event
	// types. Field names are abbreviated; consumers use the interface methods.
	Base struct {
		t  EventType
		x  string // execution ID
		w  string // workflow slug
		ts time.Time
		p  any
	}

	// NodeStatus reports a node transitioning through its lifecycle.
	NodeStatus struct {
		Base
		Data NodeStatusPayload
	}

	// NodeStatusPayload carries the node transition details.
	NodeStatusPayload struct {
		NodeID string `json:"node_id"`
		// Status is one of pending, running, waiting, success, failed, skipped.
		Status string `json:"status"`
		// Output is a preview of the node outputs, present on success.
		Output any `json:"output,omitempty"`
		// Error and ErrorCode are present on failure.
		Error     string `json:"error,omitempty"`
		ErrorCode string `json:"error_code,omitempty"`
	}

	// ExecutionCompleted reports normal termination.
	ExecutionCompleted struct {
		Base
		Data ExecutionCompletedPayload
	}

	// ExecutionCompletedPayload carries the terminal status and final output.
	ExecutionCompletedPayload struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
		DurationMS  int64  `json:"duration_ms"`
		FinalOutput any    `json:"final_output,omitempty"`
	}

	// ExecutionFailed reports abnormal termination.
	ExecutionFailed struct {
		Base
		Data ExecutionFailedPayload
	}

	// ExecutionFailedPayload carries the failure message and stable code.
	ExecutionFailedPayload struct {
		ExecutionID string `json:"execution_id"`
		Error       string `json:"error"`
		ErrorCode   string `json:"error_code,omitempty"`
	}

	// ExecutionInterrupted reports a suspension.
	ExecutionInterrupted struct {
		Base
		Data ExecutionInterruptedPayload
	}

	// ExecutionInterruptedPayload carries the suspension reason, one of
	// human_confirmation, subworkflow, delay or interrupt.
	ExecutionInterruptedPayload struct {
		ExecutionID string `json:"execution_id"`
		Reason      string `json:"reason"`
		// NodeID is the node the execution is parked on.
		NodeID string `json:"node_id,omitempty"`
		// Prompt is the resolved prompt when Reason is human_confirmation.
		Prompt string `json:"prompt,omitempty"`
	}

	// ExecutionCancelled reports a user-requested cancellation.
	ExecutionCancelled struct {
		Base
		Data ExecutionCancelledPayload
	}

	// ExecutionCancelledPayload names the cancelled execution.
	ExecutionCancelledPayload struct {
		ExecutionID string `json:"execution_id"`
	}

	// ScheduleFired reports a scheduler dispatch of a recurring job.
	ScheduleFired struct {
		Base
		Data ScheduleFiredPayload
	}

	// ScheduleFiredPayload carries the job identity and occurrence counter.
	ScheduleFiredPayload struct {
		ScheduledJobID string `json:"scheduled_job_id"`
		RepeatDone     int    `json:"repeat_done"`
	}

	// GraphMutation is a pass-through editor event (node_created and friends).
	GraphMutation struct {
		Base
		Data map[string]any
	}
)

// NewBase constructs the shared event metadata. The timestamp is set to the
// current UTC time.
func NewBase(t EventType, executionID, workflowSlug string, payload any) Base {
	return Base{t: t, x: executionID, w: workflowSlug, ts: time.Now().UTC(), p: payload}
}

// Type implements Event.Type.
func (e Base) Type() EventType { return e.t }

// ExecutionID implements Event.ExecutionID.
func (e Base) ExecutionID() string { return e.x }

// WorkflowSlug implements Event.WorkflowSlug.
func (e Base) WorkflowSlug() string { return e.w }

// Timestamp implements Event.Timestamp.
func (e Base) Timestamp() time.Time { return e.ts }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.p }

// Channels implements hooks.Event. Events are delivered on the execution
// channel and, when the slug is known, the workflow channel.
func (e Base) Channels() []string {
	chs := make([]string, 0, 2)
	if e.x != "" {
		chs = append(chs, hooks.ExecutionChannel(e.x))
	}
	if e.w != "" {
		chs = append(chs, hooks.WorkflowChannel(e.w))
	}
	return chs
}

// NewNodeStatus constructs a node lifecycle event.
func NewNodeStatus(executionID, slug string, data NodeStatusPayload) *NodeStatus {
	return &NodeStatus{Base: NewBase(EventNodeStatus, executionID, slug, data), Data: data}
}

// NewExecutionCompleted constructs a terminal success event.
func NewExecutionCompleted(executionID, slug string, data ExecutionCompletedPayload) *ExecutionCompleted {
	return &ExecutionCompleted{Base: NewBase(EventExecutionCompleted, executionID, slug, data), Data: data}
}

// NewExecutionFailed constructs a terminal failure event.
func NewExecutionFailed(executionID, slug string, data ExecutionFailedPayload) *ExecutionFailed {
	return &ExecutionFailed{Base: NewBase(EventExecutionFailed, executionID, slug, data), Data: data}
}

// NewExecutionInterrupted constructs a suspension event.
func NewExecutionInterrupted(executionID, slug string, data ExecutionInterruptedPayload) *ExecutionInterrupted {
	return &ExecutionInterrupted{Base: NewBase(EventExecutionInterrupted, executionID, slug, data), Data: data}
}

// NewExecutionCancelled constructs a cancellation event.
func NewExecutionCancelled(executionID, slug string) *ExecutionCancelled {
	data := ExecutionCancelledPayload{ExecutionID: executionID}
	return &ExecutionCancelled{Base: NewBase(EventExecutionCancelled, executionID, slug, data), Data: data}
}

// NewScheduleFired constructs a scheduler dispatch event. Schedule events
// carry no execution ID; they are delivered on the workflow channel only.
func NewScheduleFired(slug string, data ScheduleFiredPayload) *ScheduleFired {
	return &ScheduleFired{Base: NewBase(EventScheduleFired, "", slug, data), Data: data}
}

// NewGraphMutation constructs a pass-through editor event.
func NewGraphMutation(t EventType, slug string, data map[string]any) *GraphMutation {
	return &GraphMutation{Base: NewBase(t, "", slug, data), Data: data}
}
