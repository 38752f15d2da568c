// Package state holds the mutable per-execution mapping that nodes read
// through templates and write through their results. The layout is JSON-like
// end to end (maps, slices, scalars) so snapshots round-trip through the
// checkpointer without a schema.
//
// Reserved keys: node_outputs (public outputs per node), route (last emitted
// route), user_context, _messages, _resume_input, _subworkflow_results and
// _loop. Everything else is free-form patch space.
//
// A State is not safe for concurrent use; the executor serializes all writes
// and hands nodes read-only scopes.
package state

import (
	"sort"

	"pipelit.dev/pipelit/runtime/node"
)

const (
	keyTrigger     = "trigger"
	keyNodeOutputs = "node_outputs"
	keyRoute       = "route"
	keyUserContext = "user_context"
	keyMessages    = "_messages"
	keyResumeInput = "_resume_input"
	keySubResults  = "_subworkflow_results"
	keyLoop        = "_loop"
)

// State is one execution's live data.
type State struct {
	data map[string]any
}

// New seeds a fresh State with the firing trigger's payload.
func New(trigger map[string]any) *State {
	s := &State{data: map[string]any{
		keyNodeOutputs: map[string]any{},
		keyMessages:    []any{},
		keyRoute:       "",
	}}
	if trigger == nil {
		trigger = map[string]any{}
	}
	s.data[keyTrigger] = clone(trigger).(map[string]any)
	return s
}

// Restore rebuilds a State from a snapshot produced by Data, typically after
// a round-trip through the checkpointer.
func Restore(data map[string]any) *State {
	if data == nil {
		data = map[string]any{}
	}
	s := &State{data: clone(data).(map[string]any)}
	if _, ok := s.data[keyNodeOutputs].(map[string]any); !ok {
		s.data[keyNodeOutputs] = map[string]any{}
	}
	if _, ok := s.data[keyMessages].([]any); !ok {
		s.data[keyMessages] = []any{}
	}
	return s
}

// Data returns a deep copy of the full mapping, suitable for snapshotting.
func (s *State) Data() map[string]any {
	return clone(s.data).(map[string]any)
}

// Get reads one root key. Composite values are copied so callers cannot
// mutate the state behind the executor's back.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// Set writes one root key.
func (s *State) Set(key string, v any) {
	s.data[key] = clone(v)
}

// MergePatch applies a JSON merge-patch at the root: nested objects merge
// recursively and explicit nulls delete.
func (s *State) MergePatch(patch map[string]any) {
	mergePatch(s.data, clone(patch).(map[string]any))
}

// Route returns the last emitted route, empty when no route emitter ran.
func (s *State) Route() string {
	r, _ := s.data[keyRoute].(string)
	return r
}

// SetRoute replaces the current route.
func (s *State) SetRoute(route string) {
	s.data[keyRoute] = route
}

// AppendMessage appends to the ordered conversation transcript.
func (s *State) AppendMessage(m node.Message) {
	msgs, _ := s.data[keyMessages].([]any)
	s.data[keyMessages] = append(msgs, map[string]any{"role": m.Role, "content": m.Content})
}

// Messages returns the transcript in order.
func (s *State) Messages() []node.Message {
	raw, _ := s.data[keyMessages].([]any)
	out := make([]node.Message, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		out = append(out, node.Message{Role: role, Content: content})
	}
	return out
}

// NodeOutput returns a copy of the public outputs recorded for a node.
func (s *State) NodeOutput(nodeID string) (map[string]any, bool) {
	outs, _ := s.data[keyNodeOutputs].(map[string]any)
	v, ok := outs[nodeID].(map[string]any)
	if !ok {
		return nil, false
	}
	return clone(v).(map[string]any), true
}

// RecordNodeOutput stores a node's public outputs. Underscore-prefixed keys
// are control signals, not data, and are filtered from the visible view.
func (s *State) RecordNodeOutput(nodeID string, outputs map[string]any) {
	public := make(map[string]any, len(outputs))
	for k, v := range outputs {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		public[k] = clone(v)
	}
	outs, _ := s.data[keyNodeOutputs].(map[string]any)
	if outs == nil {
		outs = map[string]any{}
		s.data[keyNodeOutputs] = outs
	}
	outs[nodeID] = public
}

// Apply folds a node result into the state: outputs are recorded, the route
// replaced when emitted, messages appended and the patch merged. Suspension
// and token usage are the executor's business and are ignored here.
func (s *State) Apply(nodeID string, res node.Result) {
	outputs := res.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	s.RecordNodeOutput(nodeID, outputs)
	if res.RouteSet {
		s.SetRoute(res.Route)
	}
	for _, m := range res.Messages {
		s.AppendMessage(m)
	}
	if len(res.StatePatch) > 0 {
		s.MergePatch(res.StatePatch)
	}
}

// SetResumeInput stores the operator reply that resumes a suspended
// execution.
func (s *State) SetResumeInput(input string) {
	s.data[keyResumeInput] = input
}

// ResumeInput reads the stored operator reply.
func (s *State) ResumeInput() (string, bool) {
	v, ok := s.data[keyResumeInput].(string)
	return v, ok
}

// SetSubworkflowResult injects a finished child execution's final output
// under the awaiting parent node's id.
func (s *State) SetSubworkflowResult(nodeID string, output map[string]any) {
	results, _ := s.data[keySubResults].(map[string]any)
	if results == nil {
		results = map[string]any{}
		s.data[keySubResults] = results
	}
	results[nodeID] = clone(output)
}

// SubworkflowResult reads an injected child output.
func (s *State) SubworkflowResult(nodeID string) (map[string]any, bool) {
	results, _ := s.data[keySubResults].(map[string]any)
	v, ok := results[nodeID].(map[string]any)
	if !ok {
		return nil, false
	}
	return clone(v).(map[string]any), true
}

// SetLoopFrame mirrors the innermost active loop frame so templates can
// address _loop.current and _loop.index.
func (s *State) SetLoopFrame(frame map[string]any) {
	if frame == nil {
		delete(s.data, keyLoop)
		return
	}
	s.data[keyLoop] = clone(frame)
}

// UserContext returns the caller-supplied context mapping, if any.
func (s *State) UserContext() map[string]any {
	v, ok := s.data[keyUserContext].(map[string]any)
	if !ok {
		return nil
	}
	return clone(v).(map[string]any)
}

// SetUserContext stores caller identity and channel metadata.
func (s *State) SetUserContext(uc map[string]any) {
	s.data[keyUserContext] = clone(uc)
}

// Trigger returns the firing trigger's payload.
func (s *State) Trigger() map[string]any {
	v, ok := s.data[keyTrigger].(map[string]any)
	if !ok {
		return nil
	}
	return clone(v).(map[string]any)
}

// TemplateScope assembles the read-only view templates resolve against: every
// root state key, the trigger shorthand, nodes pointing at node_outputs, a
// state self-alias, and one root alias per recorded node so prompts can say
// {{ agent_A.output }} directly. Root state keys always win over aliases.
func (s *State) TemplateScope() map[string]any {
	scope := make(map[string]any, len(s.data)+8)

	if outs, ok := s.data[keyNodeOutputs].(map[string]any); ok {
		ids := make([]string, 0, len(outs))
		for id := range outs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			scope[id] = outs[id]
		}
		scope["nodes"] = outs
	}
	for k, v := range s.data {
		scope[k] = v
	}
	scope["state"] = s.data
	return scope
}

// clone deep-copies JSON-like values so callers cannot alias internal maps.
func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = clone(e)
		}
		return out
	default:
		return v
	}
}

func mergePatch(dst, patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		if pv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				mergePatch(dv, pv)
				continue
			}
		}
		dst[k] = v
	}
}
