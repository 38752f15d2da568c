package components

import (
	"context"
	"strings"

	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/workflow"
)

// Routes emitted by human_confirm.
const (
	RouteConfirmed = "confirmed"
	RouteCancelled = "cancelled"
)

var confirmSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"prompt": {"type": "string"}
	}
}`)

// affirmative replies, matched case-insensitively after trimming.
var affirmative = map[string]bool{
	"yes": true, "y": true, "confirm": true, "true": true, "1": true,
}

// confirmDefinition declares the human-in-the-loop gate. The first visit
// suspends with the resolved prompt; the resume visit reads the operator
// reply, consumes it and routes to confirmed or cancelled.
func confirmDefinition() workflow.Definition {
	return workflow.Definition{
		Type: "human_confirm", Label: "Human Confirmation", Category: "control",
		Executable:   true,
		RouteEmitter: true,
		Interrupting: true,
		Inputs:       []workflow.Port{{Name: "input", Type: workflow.PortAny}},
		Outputs: []workflow.Port{
			{Name: "confirmed", Type: workflow.PortBoolean},
			{Name: "user_response", Type: workflow.PortString},
		},
		ConfigSchema: confirmSchema,
		Build: func(workflow.Node, workflow.Capabilities) (node.Runnable, error) {
			return node.RunnableFunc(runConfirm), nil
		},
	}
}

func runConfirm(_ context.Context, in node.Input) (node.Result, error) {
	raw, ok := in.State.Get("_resume_input")
	if !ok {
		prompt := cfgString(in.Config, "prompt")
		if prompt == "" {
			prompt = "Please confirm to continue."
		}
		return node.SuspendForInput(prompt), nil
	}
	reply, _ := raw.(string)
	confirmed := affirmative[strings.ToLower(strings.TrimSpace(reply))]
	route := RouteCancelled
	if confirmed {
		route = RouteConfirmed
	}
	res := node.RouteTo(route, map[string]any{
		"confirmed":     confirmed,
		"user_response": reply,
	})
	// Consume the reply so a later suspension in the same execution starts
	// clean. Explicit nulls delete on merge.
	res.StatePatch = map[string]any{"_resume_input": nil}
	return res, nil
}
