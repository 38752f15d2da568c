package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"pipelit.dev/pipelit/runtime/node"
)

type (
	// Definition declares one component type: its ports, capability flags and
	// the builder producing its runnable. Definitions are registered once at
	// startup; after Freeze the registry rejects further registration.
	Definition struct {
		// Type is the component type key referenced by Node.Type.
		Type string
		// Label is the display name shown by editors.
		Label string
		// Category groups definitions in editor palettes. Opaque here.
		Category string
		// Inputs and Outputs declare the ports.
		Inputs  []Port
		Outputs []Port
		// RequiresModel demands an incoming llm edge.
		RequiresModel bool
		// AcceptsTools allows incoming tool edges.
		AcceptsTools bool
		// AcceptsMemory allows an incoming memory edge.
		AcceptsMemory bool
		// AcceptsOutputParser allows an incoming output_parser edge.
		AcceptsOutputParser bool
		// Executable marks node types that run. Sub-component types (model
		// providers, tools) are declared non-executable and never enter a
		// plan's waves.
		Executable bool
		// Trigger marks node types that can start an execution. TriggerKind
		// names the inbound event kind they answer to.
		Trigger     bool
		TriggerKind string
		// RouteEmitter marks node types whose result selects conditional
		// edges.
		RouteEmitter bool
		// Loop marks the loop head type. loop_return edges must target a
		// node of a Loop definition.
		Loop bool
		// Interrupting marks types that may suspend regardless of interrupt
		// flags (human confirmation, sub-workflow, delay).
		Interrupting bool
		// ConfigSchema, when non-nil, validates Node.Config.Extra at build
		// time.
		ConfigSchema *jsonschema.Schema
		// Build produces the node's runnable from its snapshot and resolved
		// capabilities. Required for executable types.
		Build BuildFunc
	}

	// BuildFunc constructs a runnable for one node.
	BuildFunc func(n Node, caps Capabilities) (node.Runnable, error)

	// Registry is the immutable-after-startup component catalog.
	Registry struct {
		mu     sync.RWMutex
		defs   map[string]Definition
		frozen bool
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. It fails on duplicate types, on executable
// definitions without a builder, and after Freeze.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("component definition requires a type")
	}
	if def.Executable && def.Build == nil {
		return fmt.Errorf("component %q is executable but has no builder", def.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen; cannot register %q", def.Type)
	}
	if _, ok := r.defs[def.Type]; ok {
		return fmt.Errorf("component %q is already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// MustRegister registers a definition and panics on error. Intended for
// static catalogs assembled at startup.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Freeze seals the registry. Registration after Freeze fails.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the definition for a component type.
func (r *Registry) Lookup(componentType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[componentType]
	return def, ok
}

// Types returns the registered component types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateConfig checks the node's extra config against the definition's
// schema, when one is declared. The config is round-tripped through JSON so
// schema validation sees canonical types.
func (d Definition) ValidateConfig(n Node) error {
	if d.ConfigSchema == nil {
		return nil
	}
	extra := n.Config.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("encode %s config: %w", n.ID, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode %s config: %w", n.ID, err)
	}
	if err := d.ConfigSchema.Validate(doc); err != nil {
		return fmt.Errorf("node %s config: %w", n.ID, err)
	}
	return nil
}

// CompileConfigSchema compiles a JSON schema document for use as a
// Definition.ConfigSchema.
func CompileConfigSchema(schemaJSON []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("config.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// acceptsHandle reports whether the definition declares the capability handle
// the sub-component edge label names.
func (d Definition) acceptsHandle(label EdgeLabel) bool {
	switch label {
	case EdgeLabelLLM:
		return d.RequiresModel
	case EdgeLabelTool:
		return d.AcceptsTools
	case EdgeLabelMemory:
		return d.AcceptsMemory
	case EdgeLabelOutputParser:
		return d.AcceptsOutputParser
	}
	return false
}
