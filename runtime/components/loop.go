package components

import (
	"context"

	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/workflow"
)

var loopSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"items_expression": {"type": "string"},
		"source_node": {"type": "string"},
		"source_field": {"type": "string"},
		"on_error": {"type": "string", "enum": ["stop", "continue"]}
	}
}`)

// loopDefinition declares the loop head. The executor drives iteration from
// the compiled loop plan; the runnable below only exists to satisfy the
// executable contract and raises if anything ever invokes it.
func loopDefinition() workflow.Definition {
	return workflow.Definition{
		Type: "loop", Label: "Loop", Category: "control",
		Executable: true,
		Loop:       true,
		Inputs:     []workflow.Port{{Name: "items", Type: workflow.PortArray}},
		Outputs: []workflow.Port{
			{Name: "results", Type: workflow.PortArray},
			{Name: "count", Type: workflow.PortNumber},
		},
		ConfigSchema: loopSchema,
		Build: func(n workflow.Node, _ workflow.Capabilities) (node.Runnable, error) {
			return node.RunnableFunc(func(context.Context, node.Input) (node.Result, error) {
				return node.Result{}, faults.Newf(faults.KindNodeFailure, "loop %q invoked directly; loops are driven by the engine", n.ID)
			}), nil
		},
	}
}
