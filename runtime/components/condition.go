package components

import (
	"context"

	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/rules"
	"pipelit.dev/pipelit/runtime/workflow"
)

var conditionSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"expression": {"type": "string", "minLength": 1}
	},
	"required": ["expression"]
}`)

// conditionDefinition declares the boolean route emitter. The expression is
// expr-lang code evaluated against the template scope; the emitted route is
// "true" or "false" and conditional edges carry those values.
func conditionDefinition() workflow.Definition {
	evaluator := rules.NewEvaluator()
	return workflow.Definition{
		Type: "condition", Label: "Condition", Category: "control",
		Executable:   true,
		RouteEmitter: true,
		Inputs:       []workflow.Port{{Name: "input", Type: workflow.PortAny}},
		Outputs:      []workflow.Port{{Name: "result", Type: workflow.PortBoolean}},
		ConfigSchema: conditionSchema,
		Build: func(n workflow.Node, _ workflow.Capabilities) (node.Runnable, error) {
			if n.Config.ExtraString("expression") == "" {
				return nil, faults.Newf(faults.KindBrokenInput, "condition %q has no expression", n.ID)
			}
			return node.RunnableFunc(func(_ context.Context, in node.Input) (node.Result, error) {
				code := cfgString(in.Config, "expression")
				ok, err := evaluator.Eval(code, scopeOf(in.State))
				if err != nil {
					return node.Result{}, err
				}
				route := "false"
				if ok {
					route = "true"
				}
				return node.RouteTo(route, map[string]any{"result": ok}), nil
			}), nil
		},
	}
}
