// Package triggers defines inbound trigger events and the pure resolver
// that binds an event to a workflow trigger node. Resolution has no side
// effects; creating execution records and enqueueing work is the
// dispatcher's job.
package triggers

import (
	"time"
)

// Kind classifies an inbound trigger event.
type Kind string

const (
	// KindTelegramMessage is an incoming chat message relayed by a bot.
	KindTelegramMessage Kind = "telegram-message"
	// KindSchedule fires when a scheduled job becomes due.
	KindSchedule Kind = "schedule"
	// KindManual is an operator-initiated run.
	KindManual Kind = "manual"
	// KindWorkflow is an event emitted by another workflow.
	KindWorkflow Kind = "workflow"
	// KindError is raised when an execution's node fails.
	KindError Kind = "error"
	// KindChat is a direct chat call against a named workflow. Chat events
	// skip resolution; the caller names the workflow slug.
	KindChat Kind = "chat"
)

// Trigger component types registered by runtime/components. The resolver
// walks nodes of the type matching the event kind.
const (
	TypeTelegram = "trigger_telegram"
	TypeSchedule = "trigger_schedule"
	TypeManual   = "trigger_manual"
	TypeWorkflow = "trigger_workflow"
	TypeError    = "trigger_error"
	TypeChat     = "trigger_chat"
)

// Event is one inbound trigger event. The payload shape depends on the
// kind; the constructors below build canonical payloads.
type Event struct {
	// Kind classifies the event.
	Kind Kind `json:"kind"`
	// Payload carries the kind-specific fields. It becomes the execution's
	// trigger payload verbatim.
	Payload map[string]any `json:"payload"`
	// ArrivedAt is when the engine accepted the event.
	ArrivedAt time.Time `json:"arrived_at"`
}

// TelegramMessage builds a telegram-message event.
func TelegramMessage(userID, chatID, messageID int64, text, botTokenRef string) Event {
	return Event{
		Kind: KindTelegramMessage,
		Payload: map[string]any{
			"user_id":       userID,
			"chat_id":       chatID,
			"message_id":    messageID,
			"text":          text,
			"bot_token_ref": botTokenRef,
		},
		ArrivedAt: time.Now().UTC(),
	}
}

// ScheduleFired builds a schedule event for a due scheduled job.
func ScheduleFired(scheduledJobID string, payload map[string]any) Event {
	return Event{
		Kind: KindSchedule,
		Payload: map[string]any{
			"scheduled_job_id": scheduledJobID,
			"payload":          payload,
		},
		ArrivedAt: time.Now().UTC(),
	}
}

// ManualRun builds a manual event. Both fields are optional: an empty
// triggerNodeID resolves to the first manual trigger of an active workflow.
func ManualRun(text, triggerNodeID string) Event {
	p := map[string]any{}
	if text != "" {
		p["text"] = text
	}
	if triggerNodeID != "" {
		p["trigger_node_id"] = triggerNodeID
	}
	return Event{Kind: KindManual, Payload: p, ArrivedAt: time.Now().UTC()}
}

// WorkflowEmitted builds a workflow event carrying another workflow's
// output payload.
func WorkflowEmitted(sourceWorkflowID, sourceNodeID string, payload map[string]any) Event {
	return Event{
		Kind: KindWorkflow,
		Payload: map[string]any{
			"source_workflow_id": sourceWorkflowID,
			"source_node_id":     sourceNodeID,
			"payload":            payload,
		},
		ArrivedAt: time.Now().UTC(),
	}
}

// ErrorRaised builds an error event describing a node failure.
func ErrorRaised(sourceNodeID, sourceNodeType, executionID, message, errorCode string, at time.Time) Event {
	return Event{
		Kind: KindError,
		Payload: map[string]any{
			"source_node_id":   sourceNodeID,
			"source_node_type": sourceNodeType,
			"execution_id":     executionID,
			"message":          message,
			"error_code":       errorCode,
			"timestamp":        at.UTC().Format(time.RFC3339),
		},
		ArrivedAt: time.Now().UTC(),
	}
}

// ChatMessage builds a direct chat event against a named workflow. The
// correlation ID lets the dispatcher route the final output back to the
// caller.
func ChatMessage(workflowSlug, text, triggerNodeID, correlationID string) Event {
	p := map[string]any{
		"workflow_slug":  workflowSlug,
		"text":           text,
		"correlation_id": correlationID,
	}
	if triggerNodeID != "" {
		p["trigger_node_id"] = triggerNodeID
	}
	return Event{Kind: KindChat, Payload: p, ArrivedAt: time.Now().UTC()}
}

// str reads a string payload field.
func (e Event) str(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Text returns the message text for kinds that carry one.
func (e Event) Text() string { return e.str("text") }

// WorkflowSlug returns the target slug of a chat event.
func (e Event) WorkflowSlug() string { return e.str("workflow_slug") }

// CorrelationID returns the chat correlation ID, if any.
func (e Event) CorrelationID() string { return e.str("correlation_id") }

// TriggerNodeID returns the explicit trigger node hint, if any.
func (e Event) TriggerNodeID() string { return e.str("trigger_node_id") }

// ScheduledJobID returns the job pin of a schedule event.
func (e Event) ScheduledJobID() string { return e.str("scheduled_job_id") }
