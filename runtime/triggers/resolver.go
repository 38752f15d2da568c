package triggers

import (
	"errors"
	"fmt"

	"pipelit.dev/pipelit/runtime/rules"
	"pipelit.dev/pipelit/runtime/workflow"
)

// Binding is a resolved (workflow, trigger node) pair.
type Binding struct {
	// Workflow is the snapshot the execution will compile against.
	Workflow *workflow.Workflow
	// NodeID is the trigger node the event fired.
	NodeID string
}

var (
	// ErrNoMatch reports that no active workflow carries a trigger
	// accepting the event.
	ErrNoMatch = errors.New("triggers: no trigger matches the event")

	// ErrDirectDispatch reports a chat event, which is never resolved:
	// chat callers name the workflow slug and dispatch directly.
	ErrDirectDispatch = errors.New("triggers: chat events dispatch directly against a workflow slug")
)

// Resolve binds an inbound event to the first accepting trigger node. It
// walks active workflows in the order given and each workflow's nodes in
// declaration order, considering nodes whose registered definition answers
// the event's kind, and applies the node's match rules. Resolution is pure;
// side effects belong to the dispatcher.
func Resolve(reg *workflow.Registry, active []*workflow.Workflow, evt Event) (*Binding, error) {
	if evt.Kind == KindChat {
		return nil, ErrDirectDispatch
	}
	if evt.Kind == KindManual {
		if hint := evt.TriggerNodeID(); hint != "" {
			return resolveHint(reg, active, hint)
		}
	}
	for _, wf := range active {
		if !wf.Active {
			continue
		}
		for _, n := range wf.Nodes {
			def, ok := reg.Lookup(n.Type)
			if !ok || !def.Trigger || def.TriggerKind != string(evt.Kind) {
				continue
			}
			if matchRules(n, evt) {
				return &Binding{Workflow: wf, NodeID: n.ID}, nil
			}
		}
	}
	return nil, ErrNoMatch
}

// resolveHint binds a manual event that names its trigger node. The hint may
// point at any trigger type; the editor's run button fires schedule and
// telegram triggers for testing too.
func resolveHint(reg *workflow.Registry, active []*workflow.Workflow, hint string) (*Binding, error) {
	for _, wf := range active {
		if !wf.Active {
			continue
		}
		for _, n := range wf.Nodes {
			if n.ID != hint {
				continue
			}
			def, ok := reg.Lookup(n.Type)
			if !ok || !def.Trigger {
				return nil, fmt.Errorf("triggers: node %q is not a trigger: %w", hint, ErrNoMatch)
			}
			return &Binding{Workflow: wf, NodeID: n.ID}, nil
		}
	}
	return nil, ErrNoMatch
}

// matchRules applies the per-kind match rules a trigger node declares in its
// extra config. A node with no rules accepts every event of its kind, except
// schedule triggers, which must be pinned to a job.
func matchRules(n workflow.Node, evt Event) bool {
	extra := n.Config.Extra
	switch evt.Kind {
	case KindTelegramMessage:
		return matchTelegram(extra, evt)
	case KindSchedule:
		pin, _ := extra["scheduled_job_id"].(string)
		return pin != "" && pin == evt.ScheduledJobID()
	case KindWorkflow:
		pin, _ := extra["source_workflow_id"].(string)
		return pin == "" || rules.Match(evt.Payload["source_workflow_id"], rules.OpEquals, pin)
	case KindError:
		pin, _ := extra["source_node_id"].(string)
		return pin == "" || rules.Match(evt.Payload["source_node_id"], rules.OpEquals, pin)
	case KindManual:
		return true
	}
	return false
}

func matchTelegram(extra map[string]any, evt Event) bool {
	if allowed, ok := extra["allowed_user_ids"].([]any); ok && len(allowed) > 0 {
		uid, present := evt.Payload["user_id"]
		if !present {
			return false
		}
		found := false
		for _, a := range allowed {
			if rules.Match(uid, rules.OpEquals, a) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if cmd, _ := extra["command"].(string); cmd != "" {
		if !rules.Match(evt.Text(), rules.OpStartsWith, cmd) {
			return false
		}
	}
	if pattern, _ := extra["pattern"].(string); pattern != "" {
		if !rules.Match(evt.Text(), rules.OpMatchesRegex, pattern) {
			return false
		}
	}
	return true
}
