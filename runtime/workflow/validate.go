package workflow

import (
	"pipelit.dev/pipelit/runtime/faults"
)

// ValidateEdge checks a single edge against the registry and the workflow
// snapshot. It runs on every graph mutation and again during compilation.
// Violations are reported as build faults:
//
//   - endpoints must exist in the workflow
//   - sub-component edges must land on a handle the target type declares
//   - data edges with two concrete, unequal port types are incompatible
//   - conditional edges must leave a route-emitting type
//   - loop_return edges must target a loop node
func ValidateEdge(reg *Registry, wf *Workflow, e Edge) error {
	src, ok := wf.Node(e.Source)
	if !ok {
		return faults.Newf(faults.KindBrokenInput, "edge %s->%s: source node does not exist", e.Source, e.Target)
	}
	dst, ok := wf.Node(e.Target)
	if !ok {
		return faults.Newf(faults.KindBrokenInput, "edge %s->%s: target node does not exist", e.Source, e.Target)
	}
	srcDef, ok := reg.Lookup(src.Type)
	if !ok {
		return faults.Newf(faults.KindBrokenInput, "edge %s->%s: unknown source type %q", e.Source, e.Target, src.Type)
	}
	dstDef, ok := reg.Lookup(dst.Type)
	if !ok {
		return faults.Newf(faults.KindBrokenInput, "edge %s->%s: unknown target type %q", e.Source, e.Target, dst.Type)
	}

	switch e.Class() {
	case ClassSubComponent:
		if !dstDef.acceptsHandle(e.Label) {
			return faults.Newf(faults.KindIncompatibleEdge,
				"edge %s->%s: node type %q declares no %q handle", e.Source, e.Target, dst.Type, e.Label)
		}
	case ClassConditional:
		if !srcDef.RouteEmitter {
			return faults.Newf(faults.KindIncompatibleEdge,
				"edge %s->%s: conditional edge from non-routing type %q", e.Source, e.Target, src.Type)
		}
	case ClassLoop:
		if e.Label == EdgeLabelLoopReturn && !dstDef.Loop {
			return faults.Newf(faults.KindIncompatibleEdge,
				"edge %s->%s: loop_return target %q is not a loop", e.Source, e.Target, dst.Type)
		}
	case ClassData:
		out, okOut := portByName(srcDef.Outputs, e.SourcePort)
		in, okIn := portByName(dstDef.Inputs, e.TargetPort)
		if e.SourcePort != "" && !okOut {
			return faults.Newf(faults.KindIncompatibleEdge,
				"edge %s->%s: source type %q declares no output port %q", e.Source, e.Target, src.Type, e.SourcePort)
		}
		if e.TargetPort != "" && !okIn {
			return faults.Newf(faults.KindIncompatibleEdge,
				"edge %s->%s: target type %q declares no input port %q", e.Source, e.Target, dst.Type, e.TargetPort)
		}
		if okOut && okIn && !out.Type.AssignableTo(in.Type) {
			return faults.Newf(faults.KindIncompatibleEdge,
				"edge %s->%s: port type %s is not assignable to %s", e.Source, e.Target, out.Type, in.Type)
		}
	}
	return nil
}

// ValidateWorkflow applies ValidateEdge to every edge of the snapshot and
// checks that node types are registered. It does not perform trigger-scoped
// checks (required inputs, cycles); those belong to compilation, which knows
// the reachable set.
func ValidateWorkflow(reg *Registry, wf *Workflow) error {
	seen := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if seen[n.ID] {
			return faults.Newf(faults.KindBrokenInput, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		def, ok := reg.Lookup(n.Type)
		if !ok {
			return faults.Newf(faults.KindBrokenInput, "node %s: unknown type %q", n.ID, n.Type)
		}
		if err := def.ValidateConfig(n); err != nil {
			return faults.Wrap(faults.KindBrokenInput, "", err)
		}
	}
	for _, e := range wf.Edges {
		if err := ValidateEdge(reg, wf, e); err != nil {
			return err
		}
	}
	return nil
}
