package components

import (
	"context"

	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/rules"
	"pipelit.dev/pipelit/runtime/template"
	"pipelit.dev/pipelit/runtime/workflow"
)

var switchSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"field": {"type": "string", "minLength": 1},
					"operator": {"type": "string", "minLength": 1},
					"value": {}
				},
				"required": ["id", "field", "operator"]
			}
		},
		"enable_fallback": {"type": "boolean"}
	},
	"required": ["rules"]
}`)

func switchDefinition() workflow.Definition {
	return workflow.Definition{
		Type: "switch", Label: "Switch", Category: "control",
		Executable:   true,
		RouteEmitter: true,
		Inputs:       []workflow.Port{{Name: "input", Type: workflow.PortAny}},
		Outputs:      []workflow.Port{{Name: "route", Type: workflow.PortString}},
		ConfigSchema: switchSchema,
		Build:        buildSwitch,
	}
}

// buildSwitch validates operators against the rules catalog at build time so
// a typo fails the compile rather than silently never matching.
func buildSwitch(n workflow.Node, _ workflow.Capabilities) (node.Runnable, error) {
	for i, r := range parseRules(n.Config.Extra["rules"]) {
		if r.ID == "" {
			return nil, faults.Newf(faults.KindBrokenInput, "switch %q rule %d has no id", n.ID, i)
		}
		if !rules.Known(r.Operator) {
			return nil, faults.Newf(faults.KindBrokenInput, "switch %q rule %q: unknown operator %q", n.ID, r.ID, r.Operator)
		}
	}
	resolver := template.NewResolver()
	return node.RunnableFunc(func(_ context.Context, in node.Input) (node.Result, error) {
		scope := scopeOf(in.State)
		// Rules re-parse from the resolved config so templated comparison
		// operands see the current state.
		for _, r := range resolvedRules(in.Config["rules"]) {
			got := evalField(resolver, r.field, scope)
			if rules.Match(got, r.op, r.value) {
				return node.RouteTo(r.id, map[string]any{"route": r.id}), nil
			}
		}
		if cfgBool(in.Config, "enable_fallback") {
			return node.RouteTo(workflow.RouteFallback, map[string]any{"route": workflow.RouteFallback}), nil
		}
		return node.RouteTo("", map[string]any{"route": ""}), nil
	}), nil
}

// parseRules decodes the raw rule rows for build-time validation.
func parseRules(v any) []rules.Rule {
	rows, _ := v.([]any)
	out := make([]rules.Rule, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		r := rules.Rule{}
		r.ID, _ = m["id"].(string)
		r.Field, _ = m["field"].(string)
		if op, ok := m["operator"].(string); ok {
			r.Operator = rules.Operator(op)
		}
		r.Value, _ = m["value"].(string)
		out = append(out, r)
	}
	return out
}

// resolvedRule keeps the comparison operand untyped: a templated value like
// {{ state.threshold }} resolves to its native type before the node runs.
type resolvedRule struct {
	id    string
	field string
	op    rules.Operator
	value any
}

func resolvedRules(v any) []resolvedRule {
	rows, _ := v.([]any)
	out := make([]resolvedRule, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		r := resolvedRule{value: m["value"]}
		r.id, _ = m["id"].(string)
		r.field, _ = m["field"].(string)
		if op, ok := m["operator"].(string); ok {
			r.op = rules.Operator(op)
		}
		out = append(out, r)
	}
	return out
}
