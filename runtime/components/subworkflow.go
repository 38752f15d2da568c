package components

import (
	"context"

	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/workflow"
)

var subworkflowSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"workflow_slug": {"type": "string", "minLength": 1},
		"payload": {"type": "object"}
	},
	"required": ["workflow_slug"]
}`)

// subworkflowDefinition declares child-workflow delegation. The first visit
// suspends with the target slug and seed payload; the dispatcher spawns the
// child and, when it completes, injects its final output under
// _subworkflow_results[node_id] and resumes the parent. The second visit
// republishes the injected output as this node's own.
func subworkflowDefinition() workflow.Definition {
	return workflow.Definition{
		Type: "subworkflow", Label: "Sub-workflow", Category: "control",
		Executable:   true,
		Interrupting: true,
		Inputs:       []workflow.Port{{Name: "input", Type: workflow.PortAny}},
		Outputs:      []workflow.Port{{Name: "output", Type: workflow.PortAny}},
		ConfigSchema: subworkflowSchema,
		Build: func(n workflow.Node, _ workflow.Capabilities) (node.Runnable, error) {
			return node.RunnableFunc(func(_ context.Context, in node.Input) (node.Result, error) {
				if out, ok := injectedResult(in.State, in.NodeID); ok {
					return node.Outputs(out), nil
				}
				slug := cfgString(in.Config, "workflow_slug")
				if slug == "" {
					return node.Result{}, faults.Newf(faults.KindNodeFailure, "subworkflow %q resolved an empty workflow slug", n.ID).WithCode("SUBWORKFLOW_TARGET")
				}
				payload := cfgMap(in.Config, "payload")
				if payload == nil {
					payload = map[string]any{}
				}
				return node.SuspendForChild(slug, payload), nil
			}), nil
		},
	}
}

// injectedResult reads the child output a completed sub-workflow left for
// this node.
func injectedResult(st node.StateView, nodeID string) (map[string]any, bool) {
	raw, ok := st.Get("_subworkflow_results")
	if !ok {
		return nil, false
	}
	all, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	out, ok := all[nodeID].(map[string]any)
	return out, ok
}
