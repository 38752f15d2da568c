// Package components ships the built-in node catalog: the six trigger types,
// the control-flow nodes (switch, condition, loop, human_confirm, subworkflow,
// delay), the transform node and the model-backed agent node, plus the
// non-executable sub-component types they bind (model providers, memory,
// tools). Register wires them all into a workflow.Registry; deployments that
// need extra node types add them through RegisterFunc before freezing.
//
// Components read their configuration from node.Input.Config, which arrives
// with every templated string already resolved against the execution state.
// Behavior that needs typed access to state goes through node.StateView.
package components

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"pipelit.dev/pipelit/runtime/model"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/template"
	"pipelit.dev/pipelit/runtime/workflow"
)

type (
	// ModelFactory builds a chat client from a bound model provider node. The
	// bound node's type selects the adapter and its credentials carry the API
	// key; features/model provides the implementations.
	ModelFactory func(bound workflow.BoundCapability) (model.Client, error)

	// ToolRunner executes one tool call requested by the model against the
	// bound tool node. The returned value is serialized into the tool result
	// message.
	ToolRunner func(ctx context.Context, bound workflow.BoundCapability, call model.ToolCall) (any, error)

	// MemoryStore persists conversation transcripts across executions for
	// agents that bind a memory sub-component.
	MemoryStore interface {
		Load(ctx context.Context, threadID string) ([]node.Message, error)
		Save(ctx context.Context, threadID string, msgs []node.Message) error
	}

	// Config carries the deployment seams the catalog needs. Every field is
	// optional: without a ModelFactory agent nodes fail at build time, without
	// a ToolRunner tool bindings are ignored, and without a MemoryStore memory
	// bindings are ignored.
	Config struct {
		Models ModelFactory
		Tools  ToolRunner
		Memory MemoryStore
	}
)

// Register adds the full built-in catalog to reg.
func Register(reg *workflow.Registry, cfg Config) error {
	defs := []workflow.Definition{}
	defs = append(defs, triggerDefinitions()...)
	defs = append(defs,
		switchDefinition(),
		conditionDefinition(),
		transformDefinition(),
		loopDefinition(),
		confirmDefinition(),
		subworkflowDefinition(),
		delayDefinition(),
		agentDefinition(cfg),
	)
	defs = append(defs, bindingDefinitions()...)
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// DefaultRegistry builds a frozen registry holding the built-in catalog.
func DefaultRegistry(cfg Config) (*workflow.Registry, error) {
	reg := workflow.NewRegistry()
	if err := Register(reg, cfg); err != nil {
		return nil, err
	}
	reg.Freeze()
	return reg, nil
}

// RegisterFunc registers an external executable node type backed by fn. The
// definition gets a single ANY input and a single ANY output; callers that
// need richer ports register a full workflow.Definition instead.
func RegisterFunc(reg *workflow.Registry, componentType string, fn func(ctx context.Context, in node.Input) (node.Result, error)) error {
	if fn == nil {
		return fmt.Errorf("component %q: nil function", componentType)
	}
	return reg.Register(workflow.Definition{
		Type:       componentType,
		Label:      componentType,
		Category:   "custom",
		Executable: true,
		Inputs:     []workflow.Port{{Name: "input", Type: workflow.PortAny}},
		Outputs:    []workflow.Port{{Name: "output", Type: workflow.PortAny}},
		Build: func(workflow.Node, workflow.Capabilities) (node.Runnable, error) {
			return node.RunnableFunc(fn), nil
		},
	})
}

// bindingDefinitions declares the non-executable sub-component types: model
// providers, durable memory and generic tools. They carry configuration for
// the consuming node and never enter a plan's waves.
func bindingDefinitions() []workflow.Definition {
	providers := []struct{ typ, label string }{
		{TypeModelOpenAI, "OpenAI Model"},
		{TypeModelAnthropic, "Anthropic Model"},
		{TypeModelBedrock, "Bedrock Model"},
	}
	defs := make([]workflow.Definition, 0, len(providers)+2)
	for _, p := range providers {
		defs = append(defs, workflow.Definition{
			Type:     p.typ,
			Label:    p.label,
			Category: "models",
		})
	}
	defs = append(defs,
		workflow.Definition{Type: TypeMemory, Label: "Conversation Memory", Category: "bindings"},
		workflow.Definition{Type: TypeTool, Label: "Tool", Category: "bindings"},
	)
	return defs
}

// Sub-component type keys.
const (
	TypeModelOpenAI    = "model_openai"
	TypeModelAnthropic = "model_anthropic"
	TypeModelBedrock   = "model_bedrock"
	TypeMemory         = "memory"
	TypeTool           = "tool"
)

// scopeOf assembles the template scope from a state view, mirroring the shape
// the executor uses for config resolution: node outputs under nodes.X and as
// root aliases, every root key, and a state self-alias.
func scopeOf(st node.StateView) map[string]any {
	data := st.Data()
	scope := make(map[string]any, len(data)+8)
	if outs, ok := data["node_outputs"].(map[string]any); ok {
		for id, v := range outs {
			scope[id] = v
		}
		scope["nodes"] = outs
	}
	for k, v := range data {
		scope[k] = v
	}
	scope["state"] = data
	return scope
}

// evalField resolves a rule field path against the scope, preserving the
// value's type. Missing paths yield nil so existence operators can tell
// absent from empty.
func evalField(res *template.Resolver, field string, scope map[string]any) any {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil
	}
	src := field
	if !template.HasPlaceholders(field) {
		src = "{{ " + field + " }}"
	}
	v, err := res.Resolve(src, scope)
	if err != nil {
		return nil
	}
	return v
}

func cfgString(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	s, _ := cfg[key].(string)
	return strings.TrimSpace(s)
}

func cfgBool(cfg map[string]any, key string) bool {
	if cfg == nil {
		return false
	}
	b, _ := cfg[key].(bool)
	return b
}

func cfgNumber(cfg map[string]any, key string) (float64, bool) {
	if cfg == nil {
		return 0, false
	}
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	return template.AsNumber(v)
}

func cfgMap(cfg map[string]any, key string) map[string]any {
	if cfg == nil {
		return nil
	}
	m, _ := cfg[key].(map[string]any)
	return m
}

// mustSchema compiles a static config schema at package init. The schemas are
// literals; a failure is a programming error.
func mustSchema(schemaJSON string) *jsonschema.Schema {
	s, err := workflow.CompileConfigSchema([]byte(schemaJSON))
	if err != nil {
		panic(err)
	}
	return s
}
