// Package compile turns a workflow snapshot and a fired trigger node into an
// executable Plan: the trigger-reachable subgraph, its topological waves, a
// built runnable per node, the route map for every route emitter and a frame
// description for every loop.
//
// Compilation is deterministic for a given snapshot: waves, capability
// bindings and route targets come out in the same order on every call.
package compile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/workflow"
)

type (
	// Plan is the compiled form of one trigger-scoped execution.
	Plan struct {
		// WorkflowID identifies the source workflow.
		WorkflowID string
		// WorkflowSlug is the workflow's routing slug, used for event channels.
		WorkflowSlug string
		// TriggerNode is the node the plan starts from.
		TriggerNode string
		// Waves holds node ids in topological layers. Nodes within a wave
		// have no ordering between them and may run concurrently.
		Waves [][]string
		// Records maps every reachable node id to its build record.
		Records map[string]*BuildRecord
		// Routes maps each route emitter to its conditional targets.
		Routes map[string]*RouteMap
		// Loops maps each loop node to its frame description.
		Loops map[string]*LoopPlan
	}

	// BuildRecord is the per-node output of compilation.
	BuildRecord struct {
		// Node is the immutable node snapshot.
		Node workflow.Node
		// Def is the node's registry definition.
		Def workflow.Definition
		// Runnable is the built behavior, ready to invoke.
		Runnable node.Runnable
		// Capabilities holds the resolved sub-component bindings.
		Capabilities workflow.Capabilities
		// CanSuspend is set when the node carries interrupt flags or its type
		// is interrupting, so the executor checkpoints around it.
		CanSuspend bool
		// Wave is the index of the node's topological layer.
		Wave int
		// In lists the advancing edges arriving at this node, ports
		// normalized, in workflow declaration order.
		In []Dep
		// LoopID names the innermost loop whose body contains this node,
		// empty outside loops.
		LoopID string
	}

	// Dep is one incoming advancing edge, with port names normalized against
	// the registry so the executor never consults it again.
	Dep struct {
		// Source is the upstream node id.
		Source string
		// SourcePort and TargetPort name the connected ports. Both are empty
		// on conditional and loop edges, which order execution but carry no
		// port data.
		SourcePort string
		TargetPort string
		// Condition is the route value guarding a conditional edge.
		Condition string
		// Label is the raw edge label.
		Label workflow.EdgeLabel
	}

	// RouteMap lists the conditional targets of one route emitter.
	RouteMap struct {
		// Targets groups target node ids by condition value.
		Targets map[string][]string
		// Fallback holds the __other__ targets, empty when the emitter has no
		// fallback edge.
		Fallback []string
	}

	// LoopPlan describes one loop construct.
	LoopPlan struct {
		// NodeID is the loop node.
		NodeID string
		// Entries are the loop_body targets that start each iteration.
		Entries []string
		// ReturnSources are the body nodes whose completion ends an
		// iteration via loop_return.
		ReturnSources []string
		// Body is the sorted closure of nodes reachable from the entries.
		Body []string
		// FirstWave and LastWave bound the body's topological layers.
		FirstWave int
		LastWave  int
		// ItemsExpr is the template source producing the iterable, empty
		// when items arrive on the input port.
		ItemsExpr string
		// OnError is the iteration failure policy, stop or continue.
		OnError string
	}
)

// Loop failure policies.
const (
	OnErrorStop     = "stop"
	OnErrorContinue = "continue"
)

// Record returns the build record for a node id.
func (p *Plan) Record(id string) (*BuildRecord, bool) {
	r, ok := p.Records[id]
	return r, ok
}

// Reachable reports whether the node participates in this plan.
func (p *Plan) Reachable(id string) bool {
	_, ok := p.Records[id]
	return ok
}

// NodeIDs returns every reachable node id in wave order.
func (p *Plan) NodeIDs() []string {
	var ids []string
	for _, wave := range p.Waves {
		ids = append(ids, wave...)
	}
	return ids
}

// Compile builds the plan for one firing of triggerNode against wf. The
// credential resolver may be nil when no node binds credentialed
// capabilities.
func Compile(ctx context.Context, reg *workflow.Registry, creds workflow.CredentialResolver, wf *workflow.Workflow, triggerNode string) (*Plan, error) {
	trig, ok := wf.Node(triggerNode)
	if !ok {
		return nil, faults.Newf(faults.KindBrokenInput, "trigger node %q not found in workflow %q", triggerNode, wf.Slug)
	}
	trigDef, ok := reg.Lookup(trig.Type)
	if !ok {
		return nil, faults.Newf(faults.KindBrokenInput, "node %q has unknown type %q", trig.ID, trig.Type)
	}
	if !trigDef.Trigger {
		return nil, faults.Newf(faults.KindBrokenInput, "node %q (%s) is not a trigger", trig.ID, trig.Type)
	}

	g := newGraph(wf)
	reached := g.reachableFrom(triggerNode)

	p := &Plan{
		WorkflowID:   wf.ID,
		WorkflowSlug: wf.Slug,
		TriggerNode:  triggerNode,
		Records:      make(map[string]*BuildRecord),
		Routes:       make(map[string]*RouteMap),
		Loops:        make(map[string]*LoopPlan),
	}

	// Build one record per reachable node, in declaration order.
	for _, n := range wf.Nodes {
		if !reached[n.ID] {
			continue
		}
		def, ok := reg.Lookup(n.Type)
		if !ok {
			return nil, faults.Newf(faults.KindBrokenInput, "node %q has unknown type %q", n.ID, n.Type)
		}
		if !def.Executable {
			return nil, faults.Newf(faults.KindBrokenInput, "node %q (%s) is a sub-component and cannot sit on the data flow", n.ID, n.Type)
		}
		caps, err := resolveCapabilities(ctx, reg, creds, wf, n.ID, def, g.subIn[n.ID])
		if err != nil {
			return nil, err
		}
		if err := checkRequiredInputs(def, n.ID, g.inAdv[n.ID], reached); err != nil {
			return nil, err
		}
		runnable, err := def.Build(n, caps)
		if err != nil {
			if faults.KindOf(err) != "" {
				return nil, err
			}
			return nil, faults.Wrap(faults.KindBrokenInput, fmt.Sprintf("build node %q", n.ID), err)
		}
		p.Records[n.ID] = &BuildRecord{
			Node:         n,
			Def:          def,
			Runnable:     runnable,
			Capabilities: caps,
			CanSuspend:   n.Config.InterruptBefore || n.Config.InterruptAfter || def.Interrupting,
			In:           normalizeDeps(reg, wf, reached, g.inAdv[n.ID]),
		}
	}

	if err := compileLoops(p, g, reached); err != nil {
		return nil, err
	}
	if err := layer(p, g, reached); err != nil {
		return nil, err
	}
	compileRoutes(p, g, reached)
	assignLoopMembership(p)

	return p, nil
}

// graph indexes a workflow's edges by direction and class.
type graph struct {
	wf     *workflow.Workflow
	outAdv map[string][]workflow.Edge
	inAdv  map[string][]workflow.Edge
	subIn  map[string][]workflow.Edge
	retIn  map[string][]workflow.Edge
}

func newGraph(wf *workflow.Workflow) *graph {
	g := &graph{
		wf:     wf,
		outAdv: make(map[string][]workflow.Edge),
		inAdv:  make(map[string][]workflow.Edge),
		subIn:  make(map[string][]workflow.Edge),
		retIn:  make(map[string][]workflow.Edge),
	}
	for _, e := range wf.Edges {
		switch {
		case e.Advances():
			g.outAdv[e.Source] = append(g.outAdv[e.Source], e)
			g.inAdv[e.Target] = append(g.inAdv[e.Target], e)
		case e.Class() == workflow.ClassSubComponent:
			g.subIn[e.Target] = append(g.subIn[e.Target], e)
		case e.Label == workflow.EdgeLabelLoopReturn:
			g.retIn[e.Target] = append(g.retIn[e.Target], e)
		}
	}
	return g
}

// reachableFrom walks advancing edges breadth-first from start.
func (g *graph) reachableFrom(start string) map[string]bool {
	reached := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.outAdv[id] {
			if !reached[e.Target] {
				reached[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return reached
}

// resolveCapabilities binds the sub-component edges arriving at a node:
// sources are looked up, credentials resolved, and the bundle checked against
// the definition's requirements.
func resolveCapabilities(ctx context.Context, reg *workflow.Registry, creds workflow.CredentialResolver, wf *workflow.Workflow, nodeID string, def workflow.Definition, subEdges []workflow.Edge) (workflow.Capabilities, error) {
	var caps workflow.Capabilities
	for _, e := range subEdges {
		src, ok := wf.Node(e.Source)
		if !ok {
			return caps, faults.Newf(faults.KindBrokenInput, "edge %s->%s references missing node %q", e.Source, e.Target, e.Source)
		}
		if _, ok := reg.Lookup(src.Type); !ok {
			return caps, faults.Newf(faults.KindBrokenInput, "node %q has unknown type %q", src.ID, src.Type)
		}
		bound := workflow.BoundCapability{Node: src}
		if ref := src.Config.CredentialRef; ref != "" {
			if creds == nil {
				return caps, faults.Newf(faults.KindMissingCapability, "node %q needs credentials %q but no resolver is configured", src.ID, ref)
			}
			secret, err := creds.Resolve(ctx, ref)
			if err != nil {
				return caps, faults.Wrap(faults.KindMissingCapability, fmt.Sprintf("resolve credentials %q for node %q", ref, src.ID), err)
			}
			bound.Credentials = secret
		}
		switch e.Label {
		case workflow.EdgeLabelLLM:
			if caps.Model != nil {
				return caps, faults.Newf(faults.KindBrokenInput, "node %q has multiple model bindings", nodeID)
			}
			caps.Model = &bound
		case workflow.EdgeLabelTool:
			caps.Tools = append(caps.Tools, bound)
		case workflow.EdgeLabelMemory:
			if caps.Memory != nil {
				return caps, faults.Newf(faults.KindBrokenInput, "node %q has multiple memory bindings", nodeID)
			}
			caps.Memory = &bound
		case workflow.EdgeLabelOutputParser:
			if caps.OutputParser != nil {
				return caps, faults.Newf(faults.KindBrokenInput, "node %q has multiple output parser bindings", nodeID)
			}
			caps.OutputParser = &bound
		}
	}
	if def.RequiresModel && caps.Model == nil {
		return caps, faults.Newf(faults.KindMissingCapability, "node %q (%s) requires a model binding", nodeID, def.Type)
	}
	return caps, nil
}

// checkRequiredInputs verifies each required input port has at least one
// incoming advancing edge from a node this trigger can reach. Conditional and
// loop edges carry no port name and satisfy the first declared input.
func checkRequiredInputs(def workflow.Definition, nodeID string, in []workflow.Edge, reached map[string]bool) error {
	for _, port := range def.Inputs {
		if !port.Required {
			continue
		}
		satisfied := false
		for _, e := range in {
			if !reached[e.Source] {
				continue
			}
			if resolved, ok := def.InputPort(e.TargetPort); ok && resolved.Name == port.Name {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return faults.Newf(faults.KindBrokenInput, "node %q requires input %q but nothing is connected", nodeID, port.Name)
		}
	}
	return nil
}

// normalizeDeps converts incoming advancing edges into Deps with registry
// defaults filled in, keeping only edges whose source is reachable.
func normalizeDeps(reg *workflow.Registry, wf *workflow.Workflow, reached map[string]bool, in []workflow.Edge) []Dep {
	deps := make([]Dep, 0, len(in))
	for _, e := range in {
		if !reached[e.Source] {
			continue
		}
		d := Dep{Source: e.Source, Condition: e.ConditionValue, Label: e.Label}
		if e.Class() == workflow.ClassData {
			if src, ok := wf.Node(e.Source); ok {
				if def, ok := reg.Lookup(src.Type); ok {
					if p, ok := def.OutputPort(e.SourcePort); ok {
						d.SourcePort = p.Name
					}
				}
			}
			if tgt, ok := wf.Node(e.Target); ok {
				if def, ok := reg.Lookup(tgt.Type); ok {
					if p, ok := def.InputPort(e.TargetPort); ok {
						d.TargetPort = p.Name
					}
				}
			}
		}
		deps = append(deps, d)
	}
	return deps
}

// compileLoops builds a LoopPlan per reachable loop node.
func compileLoops(p *Plan, g *graph, reached map[string]bool) error {
	for id, rec := range p.Records {
		if !rec.Def.Loop {
			continue
		}
		lp := &LoopPlan{NodeID: id, OnError: OnErrorStop}

		for _, e := range g.outAdv[id] {
			if e.Label == workflow.EdgeLabelLoopBody && reached[e.Target] {
				lp.Entries = append(lp.Entries, e.Target)
			}
		}
		for _, e := range g.retIn[id] {
			if reached[e.Source] {
				lp.ReturnSources = append(lp.ReturnSources, e.Source)
			}
		}
		sortUnique(&lp.Entries)
		sortUnique(&lp.ReturnSources)
		if len(lp.Entries) == 0 {
			return faults.Newf(faults.KindBrokenInput, "loop %q has no loop_body edge", id)
		}
		if len(lp.ReturnSources) == 0 {
			return faults.Newf(faults.KindBrokenInput, "loop %q has no loop_return edge", id)
		}

		// Body is the advancing closure of the entries. The loop node itself
		// never joins its own body.
		body := map[string]bool{}
		queue := append([]string(nil), lp.Entries...)
		for len(queue) > 0 {
			bid := queue[0]
			queue = queue[1:]
			if bid == id || body[bid] || !reached[bid] {
				continue
			}
			body[bid] = true
			for _, e := range g.outAdv[bid] {
				queue = append(queue, e.Target)
			}
		}
		for bid := range body {
			lp.Body = append(lp.Body, bid)
		}
		sort.Strings(lp.Body)

		if v := rec.Node.Config.ExtraString("items_expression"); v != "" {
			lp.ItemsExpr = v
		} else if src := rec.Node.Config.ExtraString("source_node"); src != "" {
			field := rec.Node.Config.ExtraString("source_field")
			if field == "" {
				field = "output"
			}
			lp.ItemsExpr = fmt.Sprintf("{{ nodes.%s.%s }}", src, field)
		}
		switch v := rec.Node.Config.ExtraString("on_error"); v {
		case "", OnErrorStop:
		case OnErrorContinue:
			lp.OnError = OnErrorContinue
		default:
			return faults.Newf(faults.KindBrokenInput, "loop %q has invalid on_error %q", id, v)
		}

		p.Loops[id] = lp
	}
	return nil
}

// layer runs Kahn's algorithm over the ordering edges: every advancing edge,
// plus a synthetic edge from each loop's return sources to the loop's data
// successors so post-loop nodes land after the whole body. loop_return edges
// themselves never participate, which is what makes loop constructs legal in
// an otherwise acyclic graph.
func layer(p *Plan, g *graph, reached map[string]bool) error {
	succ := make(map[string]map[string]bool)
	indeg := make(map[string]int, len(p.Records))
	for id := range p.Records {
		succ[id] = make(map[string]bool)
		indeg[id] = 0
	}
	addEdge := func(from, to string) {
		if from == to || !reached[from] || !reached[to] || succ[from][to] {
			return
		}
		succ[from][to] = true
		indeg[to]++
	}

	for from := range p.Records {
		for _, e := range g.outAdv[from] {
			addEdge(from, e.Target)
		}
	}
	for loopID, lp := range p.Loops {
		for _, e := range g.outAdv[loopID] {
			if e.Label == workflow.EdgeLabelLoopBody {
				continue
			}
			for _, ret := range lp.ReturnSources {
				addEdge(ret, e.Target)
			}
		}
	}

	placed := 0
	var frontier []string
	for id, d := range indeg {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	for len(frontier) > 0 {
		sort.Strings(frontier)
		wave := frontier
		frontier = nil
		p.Waves = append(p.Waves, wave)
		for _, id := range wave {
			p.Records[id].Wave = len(p.Waves) - 1
			placed++
			for to := range succ[id] {
				indeg[to]--
				if indeg[to] == 0 {
					frontier = append(frontier, to)
				}
			}
		}
	}
	if placed != len(p.Records) {
		var stuck []string
		for id := range p.Records {
			if indeg[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return faults.Newf(faults.KindCyclicGraph, "cycle without a loop construct through %s", strings.Join(stuck, ", "))
	}

	// Route emitters must not share a wave: wave-mates run concurrently and
	// the route they emit is a single slot.
	for _, wave := range p.Waves {
		var emitters []string
		for _, id := range wave {
			if p.Records[id].Def.RouteEmitter {
				emitters = append(emitters, id)
			}
		}
		if len(emitters) > 1 {
			return faults.Newf(faults.KindBrokenInput, "route emitters %s cannot run in the same wave", strings.Join(emitters, ", ")).WithCode("ROUTE_CONFLICT")
		}
	}

	for _, lp := range p.Loops {
		lp.FirstWave, lp.LastWave = waveBounds(p, lp.Body)
	}
	return nil
}

// compileRoutes groups each emitter's conditional edges by condition value.
func compileRoutes(p *Plan, g *graph, reached map[string]bool) {
	for id, rec := range p.Records {
		if !rec.Def.RouteEmitter {
			continue
		}
		rm := &RouteMap{Targets: make(map[string][]string)}
		for _, e := range g.outAdv[id] {
			if e.Class() != workflow.ClassConditional || !reached[e.Target] {
				continue
			}
			if e.ConditionValue == workflow.RouteFallback {
				rm.Fallback = append(rm.Fallback, e.Target)
			} else {
				rm.Targets[e.ConditionValue] = append(rm.Targets[e.ConditionValue], e.Target)
			}
		}
		for v, targets := range rm.Targets {
			sortUnique(&targets)
			rm.Targets[v] = targets
		}
		sortUnique(&rm.Fallback)
		p.Routes[id] = rm
	}
}

// assignLoopMembership stamps each record with its innermost enclosing loop.
// Nested loop bodies are strict subsets, so the smallest containing body
// wins.
func assignLoopMembership(p *Plan) {
	for id, rec := range p.Records {
		best := ""
		bestSize := 0
		for loopID, lp := range p.Loops {
			for _, bid := range lp.Body {
				if bid != id {
					continue
				}
				if best == "" || len(lp.Body) < bestSize {
					best = loopID
					bestSize = len(lp.Body)
				}
			}
		}
		rec.LoopID = best
	}
}

func waveBounds(p *Plan, ids []string) (first, last int) {
	first, last = -1, -1
	for _, id := range ids {
		w := p.Records[id].Wave
		if first == -1 || w < first {
			first = w
		}
		if w > last {
			last = w
		}
	}
	return first, last
}

func sortUnique(ids *[]string) {
	s := *ids
	sort.Strings(s)
	out := s[:0]
	for _, v := range s {
		if len(out) == 0 || out[len(out)-1] != v {
			out = append(out, v)
		}
	}
	*ids = out
}
