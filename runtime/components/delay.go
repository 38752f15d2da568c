package components

import (
	"context"
	"time"

	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/workflow"
)

var delaySchema = mustSchema(`{
	"type": "object",
	"properties": {
		"duration_seconds": {"type": "number", "exclusiveMinimum": 0}
	},
	"required": ["duration_seconds"]
}`)

// delayDefinition declares the timed pause. The runnable only ever sees the
// first visit: the executor records the node as a delay park and completes
// it directly when the resume job fires.
func delayDefinition() workflow.Definition {
	return workflow.Definition{
		Type: "delay", Label: "Delay", Category: "control",
		Executable:   true,
		Interrupting: true,
		Inputs:       []workflow.Port{{Name: "input", Type: workflow.PortAny}},
		Outputs:      []workflow.Port{{Name: "output", Type: workflow.PortAny}},
		ConfigSchema: delaySchema,
		Build: func(n workflow.Node, _ workflow.Capabilities) (node.Runnable, error) {
			return node.RunnableFunc(func(_ context.Context, in node.Input) (node.Result, error) {
				secs, ok := cfgNumber(in.Config, "duration_seconds")
				if !ok || secs <= 0 {
					return node.Result{}, faults.Newf(faults.KindNodeFailure, "delay %q needs a positive duration_seconds", n.ID).WithCode("DELAY_DURATION")
				}
				return node.Delay(time.Duration(secs * float64(time.Second))), nil
			}), nil
		},
	}
}
