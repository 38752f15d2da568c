// Package workflow defines the graph domain model (workflows, nodes, edges,
// ports) and the component registry that maps node types to runnable
// builders. The registry is the single source of truth for node capabilities;
// nothing downstream switches on component type.
package workflow

import (
	"context"
	"strings"
)

type (
	// Workflow is a stored graph snapshot. Executions compile against a copy,
	// so editor mutations never affect a running plan.
	Workflow struct {
		// ID is the stable workflow identifier.
		ID string `json:"id"`
		// Slug names the workflow in status channels and chat dispatch.
		Slug string `json:"slug"`
		// Name is the display name.
		Name string `json:"name"`
		// Active gates trigger resolution; inactive workflows never fire.
		Active bool `json:"active"`
		// Nodes in editor order. Order is part of the snapshot and keeps
		// compilation deterministic.
		Nodes []Node `json:"nodes"`
		// Edges in editor order.
		Edges []Edge `json:"edges"`
	}

	// Node is one vertex of the graph.
	Node struct {
		// ID is unique within the workflow.
		ID string `json:"id"`
		// WorkflowID back-references the owning workflow.
		WorkflowID string `json:"workflow_id"`
		// Type is the component type registered with the Registry.
		Type string `json:"type"`
		// Name is the display name.
		Name string `json:"name"`
		// Position is editor metadata, opaque to the engine.
		Position Position `json:"position"`
		// Config is the node configuration bundle.
		Config NodeConfig `json:"config"`
	}

	// Position is editor-space placement. The engine never reads it.
	Position struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	// NodeConfig is the structured configuration every node carries. Extra
	// holds component-specific fields; the engine treats it as opaque and
	// only resolves templated string values inside it.
	NodeConfig struct {
		// SystemPrompt is a templated prompt for model-backed nodes.
		SystemPrompt string `json:"system_prompt,omitempty"`
		// InterruptBefore parks the execution before the node runs.
		InterruptBefore bool `json:"interrupt_before,omitempty"`
		// InterruptAfter parks the execution after the node succeeds.
		InterruptAfter bool `json:"interrupt_after,omitempty"`
		// CredentialRef names a secret bundle resolved at build time.
		CredentialRef string `json:"credential_ref,omitempty"`
		// Extra is the free-form component-specific configuration.
		Extra map[string]any `json:"extra,omitempty"`
	}

	// Edge connects two nodes. Its semantic class derives from Label and
	// ConditionValue; see Class.
	Edge struct {
		// Source and Target are node IDs within the same workflow.
		Source string `json:"source"`
		Target string `json:"target"`
		// SourcePort and TargetPort name declared ports. Empty selects the
		// first declared port of the respective direction.
		SourcePort string `json:"source_port,omitempty"`
		TargetPort string `json:"target_port,omitempty"`
		// Label distinguishes data, sub-component and loop edges.
		Label EdgeLabel `json:"label,omitempty"`
		// ConditionValue marks the edge conditional: it is traversed when the
		// source emits a matching route. RouteFallback matches any
		// unclaimed route.
		ConditionValue string `json:"condition_value,omitempty"`
	}

	// EdgeLabel is the edge class discriminator.
	EdgeLabel string

	// EdgeClass is the resolved semantic class of an edge.
	EdgeClass int

	// CredentialResolver resolves credential references into plaintext secret
	// bundles. The engine treats the bundles opaquely and hands them to
	// component builders.
	CredentialResolver interface {
		Resolve(ctx context.Context, ref string) (map[string]string, error)
	}

	// BoundCapability is a sub-component node bound to its consumer at build
	// time, together with its resolved credentials.
	BoundCapability struct {
		// Node is the sub-component node supplying the capability.
		Node Node
		// Credentials is the resolved secret bundle, nil when the node
		// declares no credential reference.
		Credentials map[string]string
	}

	// Capabilities carries the resolved sub-component bindings handed to a
	// component builder.
	Capabilities struct {
		// Model is the bound model provider node, nil unless the component
		// type requires one.
		Model *BoundCapability
		// Tools are tool bindings in edge order.
		Tools []BoundCapability
		// Memory is the bound memory store, if any.
		Memory *BoundCapability
		// OutputParser is the bound parser, if any.
		OutputParser *BoundCapability
	}
)

const (
	// EdgeLabelData is the default label: the edge carries data and advances
	// execution.
	EdgeLabelData EdgeLabel = ""
	// EdgeLabelLLM binds a model provider to the target node.
	EdgeLabelLLM EdgeLabel = "llm"
	// EdgeLabelTool binds a tool to the target node.
	EdgeLabelTool EdgeLabel = "tool"
	// EdgeLabelMemory binds a memory store to the target node.
	EdgeLabelMemory EdgeLabel = "memory"
	// EdgeLabelOutputParser binds an output parser to the target node.
	EdgeLabelOutputParser EdgeLabel = "output_parser"
	// EdgeLabelLoopBody enters a loop's body subgraph.
	EdgeLabelLoopBody EdgeLabel = "loop_body"
	// EdgeLabelLoopReturn re-enters the loop from the body's terminal node.
	EdgeLabelLoopReturn EdgeLabel = "loop_return"
)

const (
	// ClassData edges propagate execution and data.
	ClassData EdgeClass = iota
	// ClassSubComponent edges bind capabilities at build time only.
	ClassSubComponent
	// ClassConditional edges are traversed when their condition value matches
	// the emitted route.
	ClassConditional
	// ClassLoop edges wire loop bodies; they bypass type compatibility.
	ClassLoop
)

// RouteFallback is the condition value of a fallback edge: it is traversed
// when the emitted route matches no other conditional edge.
const RouteFallback = "__other__"

// Class resolves the edge's semantic class.
func (e Edge) Class() EdgeClass {
	switch e.Label {
	case EdgeLabelLLM, EdgeLabelTool, EdgeLabelMemory, EdgeLabelOutputParser:
		return ClassSubComponent
	case EdgeLabelLoopBody, EdgeLabelLoopReturn:
		return ClassLoop
	}
	if e.ConditionValue != "" {
		return ClassConditional
	}
	return ClassData
}

// Advances reports whether traversing the edge moves execution forward at
// run time. Sub-component edges never advance; loop_return edges re-enter
// their loop rather than advancing.
func (e Edge) Advances() bool {
	switch e.Class() {
	case ClassSubComponent:
		return false
	case ClassLoop:
		return e.Label == EdgeLabelLoopBody
	}
	return true
}

// Node returns the node with the given ID.
func (w *Workflow) Node(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodesByType returns the workflow's nodes of the given component type in
// snapshot order.
func (w *Workflow) NodesByType(componentType string) []Node {
	var out []Node
	for _, n := range w.Nodes {
		if n.Type == componentType {
			out = append(out, n)
		}
	}
	return out
}

// Incoming returns edges targeting the node, in snapshot order.
func (w *Workflow) Incoming(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Outgoing returns edges leaving the node, in snapshot order.
func (w *Workflow) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// ExtraString reads a string field from the node's extra config, with
// whitespace trimmed. Missing or non-string values read as "".
func (c NodeConfig) ExtraString(key string) string {
	if c.Extra == nil {
		return ""
	}
	if s, ok := c.Extra[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// ExtraBool reads a boolean field from the node's extra config. Missing or
// non-boolean values read as false.
func (c NodeConfig) ExtraBool(key string) bool {
	if c.Extra == nil {
		return false
	}
	b, _ := c.Extra[key].(bool)
	return b
}
