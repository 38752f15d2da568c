package exec

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelit.dev/pipelit/runtime/checkpoint"
	cpmem "pipelit.dev/pipelit/runtime/checkpoint/inmem"
	"pipelit.dev/pipelit/runtime/compile"
	"pipelit.dev/pipelit/runtime/costs"
	costmem "pipelit.dev/pipelit/runtime/costs/inmem"
	"pipelit.dev/pipelit/runtime/execution"
	execmem "pipelit.dev/pipelit/runtime/execution/inmem"
	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/hooks"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/nodelog"
	logmem "pipelit.dev/pipelit/runtime/nodelog/inmem"
	"pipelit.dev/pipelit/runtime/stream"
	"pipelit.dev/pipelit/runtime/template"
	"pipelit.dev/pipelit/runtime/workflow"
)

type harness struct {
	execs *execmem.Store
	logs  *logmem.Store
	cps   *cpmem.Store
	bus   *hooks.Bus
	exec  *Executor
}

func newHarness(opts ...Option) *harness {
	h := &harness{
		execs: execmem.NewStore(),
		logs:  logmem.NewStore(),
		cps:   cpmem.NewStore(),
		bus:   hooks.NewBus(),
	}
	h.exec = New(h.execs, h.logs, h.cps, h.bus, opts...)
	return h
}

func (h *harness) createPending(t *testing.T, slug string, trigger map[string]any) execution.Record {
	t.Helper()
	rec := execution.Record{
		ID:             uuid.NewString(),
		WorkflowID:     "wf-" + slug,
		WorkflowSlug:   slug,
		TriggerNode:    "t",
		Status:         execution.StatusPending,
		TriggerPayload: trigger,
	}
	require.NoError(t, h.execs.Create(context.Background(), rec))
	return rec
}

func (h *harness) statuses(t *testing.T, executionID, nodeID string) []nodelog.Status {
	t.Helper()
	entries, err := h.logs.List(context.Background(), executionID)
	require.NoError(t, err)
	var out []nodelog.Status
	for _, e := range entries {
		if e.NodeID == nodeID {
			out = append(out, e.Status)
		}
	}
	return out
}

func buildOf(fn func(ctx context.Context, in node.Input) (node.Result, error)) workflow.BuildFunc {
	return func(workflow.Node, workflow.Capabilities) (node.Runnable, error) {
		return node.RunnableFunc(fn), nil
	}
}

// fnDef declares an executable single-in single-out type backed by fn.
func fnDef(typ string, fn func(ctx context.Context, in node.Input) (node.Result, error), mods ...func(*workflow.Definition)) workflow.Definition {
	d := workflow.Definition{
		Type:       typ,
		Executable: true,
		Inputs:     []workflow.Port{{Name: "input", Type: workflow.PortAny}},
		Outputs:    []workflow.Port{{Name: "output", Type: workflow.PortAny}},
		Build:      buildOf(fn),
	}
	for _, m := range mods {
		m(&d)
	}
	return d
}

// testRegistry wires a manual trigger that echoes its payload plus the
// given component definitions.
func testRegistry(t *testing.T, defs ...workflow.Definition) *workflow.Registry {
	t.Helper()
	reg := workflow.NewRegistry()
	reg.MustRegister(workflow.Definition{
		Type: "trigger_manual", Trigger: true, Executable: true,
		Outputs: []workflow.Port{{Name: "output", Type: workflow.PortAny}},
		Build: buildOf(func(_ context.Context, in node.Input) (node.Result, error) {
			trig, _ := in.State.Get("trigger")
			payload, _ := trig.(map[string]any)
			if payload == nil {
				payload = map[string]any{}
			}
			return node.Outputs(payload), nil
		}),
	})
	for _, d := range defs {
		reg.MustRegister(d)
	}
	return reg
}

func mustCompile(t *testing.T, reg *workflow.Registry, wf *workflow.Workflow) *compile.Plan {
	t.Helper()
	plan, err := compile.Compile(context.Background(), reg, nil, wf, "t")
	require.NoError(t, err)
	return plan
}

func drainEvents(sub *hooks.Subscription) []stream.Event {
	var out []stream.Event
	for {
		select {
		case v := <-sub.C():
			if e, ok := v.(stream.Event); ok {
				out = append(out, e)
			}
		default:
			return out
		}
	}
}

func eventTypes(evts []stream.Event) []stream.EventType {
	out := make([]stream.EventType, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Type())
	}
	return out
}

func TestRunLinearWorkflow(t *testing.T) {
	upper := fnDef("upper", func(_ context.Context, in node.Input) (node.Result, error) {
		prev, _ := in.State.NodeOutput("t")
		text, _ := prev["text"].(string)
		return node.Outputs(map[string]any{"output": "HELLO " + text}), nil
	})
	respond := fnDef("respond", func(_ context.Context, in node.Input) (node.Result, error) {
		prev, _ := in.State.NodeOutput("a")
		return node.Outputs(map[string]any{"reply": prev["output"]}), nil
	})
	reg := testRegistry(t, upper, respond)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "linear",
		Nodes: []workflow.Node{
			{ID: "t", Type: "trigger_manual"},
			{ID: "a", Type: "upper"},
			{ID: "b", Type: "respond"},
		},
		Edges: []workflow.Edge{{Source: "t", Target: "a"}, {Source: "a", Target: "b"}},
	}
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "linear", map[string]any{"text": "world"})
	sub := h.bus.Subscribe(hooks.ExecutionChannel(rec.ID))
	defer sub.Close()

	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"reply": "HELLO world"}, got.FinalOutput)
	assert.False(t, got.StartedAt.IsZero())
	assert.False(t, got.CompletedAt.IsZero())

	for _, id := range []string{"t", "a", "b"} {
		assert.Equal(t, []nodelog.Status{nodelog.StatusRunning, nodelog.StatusSuccess}, h.statuses(t, rec.ID, id), id)
	}

	evts := drainEvents(sub)
	require.NotEmpty(t, evts)
	assert.Equal(t, stream.EventExecutionCompleted, evts[len(evts)-1].Type())
}

func TestWaveMatesRunConcurrentlyAndMergeInOrder(t *testing.T) {
	gate := make(chan struct{})
	rendezvous := func(winner string) func(context.Context, node.Input) (node.Result, error) {
		return func(_ context.Context, _ node.Input) (node.Result, error) {
			select {
			case gate <- struct{}{}:
			case <-gate:
			case <-time.After(2 * time.Second):
				return node.Result{}, errors.New("wave mate never started")
			}
			return node.Result{
				Outputs:    map[string]any{"output": winner},
				StatePatch: map[string]any{"winner": winner},
			}, nil
		}
	}
	join := fnDef("join", func(_ context.Context, in node.Input) (node.Result, error) {
		w, _ := in.State.Get("winner")
		a1, oka1 := in.State.NodeOutput("a1")
		a2, oka2 := in.State.NodeOutput("a2")
		if !oka1 || !oka2 {
			return node.Result{}, errors.New("joined before both mates settled")
		}
		return node.Outputs(map[string]any{"winner": w, "a1": a1["output"], "a2": a2["output"]}), nil
	})
	reg := testRegistry(t,
		fnDef("mate1", rendezvous("a1")),
		fnDef("mate2", rendezvous("a2")),
		join,
	)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "fanout",
		Nodes: []workflow.Node{
			{ID: "t", Type: "trigger_manual"},
			{ID: "a1", Type: "mate1"},
			{ID: "a2", Type: "mate2"},
			{ID: "c", Type: "join"},
		},
		Edges: []workflow.Edge{
			{Source: "t", Target: "a1"}, {Source: "t", Target: "a2"},
			{Source: "a1", Target: "c"}, {Source: "a2", Target: "c"},
		},
	}
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "fanout", nil)
	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, got.Status)
	// Results apply in node id order after the join, so a2's patch lands last.
	assert.Equal(t, "a2", got.FinalOutput["winner"])
	assert.Equal(t, "a1", got.FinalOutput["a1"])
	assert.Equal(t, "a2", got.FinalOutput["a2"])
}

func routingFixture(t *testing.T, pick string) (*compile.Plan, *harness, execution.Record) {
	t.Helper()
	sw := fnDef("switch", func(_ context.Context, in node.Input) (node.Result, error) {
		route, _ := in.Config["route"].(string)
		return node.RouteTo(route, map[string]any{"route": route}), nil
	}, func(d *workflow.Definition) { d.RouteEmitter = true })
	echo := func(tag string) workflow.Definition {
		return fnDef(tag, func(context.Context, node.Input) (node.Result, error) {
			return node.Outputs(map[string]any{"output": tag}), nil
		})
	}
	join := fnDef("join", func(_ context.Context, in node.Input) (node.Result, error) {
		for _, id := range []string{"a", "b", "c"} {
			if out, ok := in.State.NodeOutput(id); ok {
				return node.Outputs(map[string]any{"taken": out["output"]}), nil
			}
		}
		return node.Outputs(map[string]any{"taken": nil}), nil
	})
	reg := testRegistry(t, sw, echo("echo_a"), echo("echo_b"), echo("echo_c"), join)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "routing",
		Nodes: []workflow.Node{
			{ID: "t", Type: "trigger_manual"},
			{ID: "sw", Type: "switch", Config: workflow.NodeConfig{Extra: map[string]any{"route": "{{ trigger.pick }}"}}},
			{ID: "a", Type: "echo_a"},
			{ID: "b", Type: "echo_b"},
			{ID: "c", Type: "echo_c"},
			{ID: "d", Type: "join"},
		},
		Edges: []workflow.Edge{
			{Source: "t", Target: "sw"},
			{Source: "sw", Target: "a", ConditionValue: "alpha"},
			{Source: "sw", Target: "b", ConditionValue: "beta"},
			{Source: "sw", Target: "c", ConditionValue: workflow.RouteFallback},
			{Source: "a", Target: "d"}, {Source: "b", Target: "d"}, {Source: "c", Target: "d"},
		},
	}
	plan := mustCompile(t, reg, wf)
	h := newHarness()
	rec := h.createPending(t, "routing", map[string]any{"pick": pick})
	return plan, h, rec
}

func TestRouteRunsMatchedBranchOnly(t *testing.T) {
	plan, h, rec := routingFixture(t, "beta")

	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, "echo_b", got.FinalOutput["taken"])
	assert.Equal(t, []nodelog.Status{nodelog.StatusSkipped}, h.statuses(t, rec.ID, "a"))
	assert.Equal(t, []nodelog.Status{nodelog.StatusRunning, nodelog.StatusSuccess}, h.statuses(t, rec.ID, "b"))
	assert.Equal(t, []nodelog.Status{nodelog.StatusSkipped}, h.statuses(t, rec.ID, "c"))
}

func TestRouteFallsBackOnUnmatchedValue(t *testing.T) {
	plan, h, rec := routingFixture(t, "gamma")

	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, "echo_c", got.FinalOutput["taken"])
	assert.Equal(t, []nodelog.Status{nodelog.StatusSkipped}, h.statuses(t, rec.ID, "a"))
	assert.Equal(t, []nodelog.Status{nodelog.StatusSkipped}, h.statuses(t, rec.ID, "b"))
}

func TestEmptyRoutePrunesEveryBranch(t *testing.T) {
	plan, h, rec := routingFixture(t, "")

	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, got.Status)
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, []nodelog.Status{nodelog.StatusSkipped}, h.statuses(t, rec.ID, id), id)
	}
	// The deepest wave with successful outputs is the emitter's.
	assert.Equal(t, map[string]any{"route": ""}, got.FinalOutput)
}

func loopWorkflow(extra map[string]any) *workflow.Workflow {
	return &workflow.Workflow{
		ID: "wf1", Slug: "looping",
		Nodes: []workflow.Node{
			{ID: "t", Type: "trigger_manual"},
			{ID: "L", Type: "loop", Config: workflow.NodeConfig{Extra: extra}},
			{ID: "body", Type: "double", Config: workflow.NodeConfig{Extra: map[string]any{"value": "{{ _loop.current }}"}}},
			{ID: "sum", Type: "collect"},
		},
		Edges: []workflow.Edge{
			{Source: "t", Target: "L"},
			{Source: "L", Target: "body", Label: workflow.EdgeLabelLoopBody},
			{Source: "body", Target: "L", Label: workflow.EdgeLabelLoopReturn},
			{Source: "L", Target: "sum"},
		},
	}
}

func loopRegistry(t *testing.T, body func(ctx context.Context, in node.Input) (node.Result, error)) *workflow.Registry {
	t.Helper()
	loop := workflow.Definition{
		Type: "loop", Executable: true, Loop: true,
		Inputs:  []workflow.Port{{Name: "items", Type: workflow.PortArray}},
		Outputs: []workflow.Port{{Name: "results", Type: workflow.PortArray}},
		Build: buildOf(func(context.Context, node.Input) (node.Result, error) {
			return node.Result{}, errors.New("loop nodes are driven, not invoked")
		}),
	}
	collect := fnDef("collect", func(_ context.Context, in node.Input) (node.Result, error) {
		out, _ := in.State.NodeOutput("L")
		return node.Outputs(map[string]any{"results": out["results"], "count": out["count"]}), nil
	})
	return testRegistry(t, loop, fnDef("double", body), collect)
}

func TestLoopAggregatesReturnValues(t *testing.T) {
	reg := loopRegistry(t, func(_ context.Context, in node.Input) (node.Result, error) {
		v, _ := template.AsNumber(in.Config["value"])
		return node.Outputs(map[string]any{"output": v * 2}), nil
	})
	wf := loopWorkflow(map[string]any{"items_expression": "{{ trigger.items }}"})
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "looping", map[string]any{"items": []any{10, 20, 30}})
	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, []any{float64(20), float64(40), float64(60)}, got.FinalOutput["results"])
	assert.Equal(t, 3, got.FinalOutput["count"])
	// One run per item.
	assert.Equal(t, []nodelog.Status{
		nodelog.StatusRunning, nodelog.StatusSuccess,
		nodelog.StatusRunning, nodelog.StatusSuccess,
		nodelog.StatusRunning, nodelog.StatusSuccess,
	}, h.statuses(t, rec.ID, "body"))
}

func TestLoopWithEmptyItemsCompletesEmpty(t *testing.T) {
	reg := loopRegistry(t, func(context.Context, node.Input) (node.Result, error) {
		return node.Result{}, errors.New("body must not run")
	})
	wf := loopWorkflow(map[string]any{"items_expression": "{{ trigger.items }}"})
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "looping", map[string]any{"items": []any{}})
	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, []any{}, got.FinalOutput["results"])
	assert.Equal(t, 0, got.FinalOutput["count"])
	assert.Empty(t, h.statuses(t, rec.ID, "body"))
}

func TestLoopContinuePolicyKeepsGoing(t *testing.T) {
	reg := loopRegistry(t, func(_ context.Context, in node.Input) (node.Result, error) {
		v, _ := template.AsNumber(in.Config["value"])
		if v == 20 {
			return node.Result{}, errors.New("boom on 20")
		}
		return node.Outputs(map[string]any{"output": v}), nil
	})
	wf := loopWorkflow(map[string]any{
		"items_expression": "{{ trigger.items }}",
		"on_error":         "continue",
	})
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "looping", map[string]any{"items": []any{10, 20, 30}})
	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, []any{float64(10), float64(30)}, got.FinalOutput["results"])
	assert.Equal(t, 2, got.FinalOutput["count"])
}

func TestLoopStopPolicyFailsExecution(t *testing.T) {
	reg := loopRegistry(t, func(_ context.Context, in node.Input) (node.Result, error) {
		v, _ := template.AsNumber(in.Config["value"])
		if v == 20 {
			return node.Result{}, errors.New("boom on 20")
		}
		return node.Outputs(map[string]any{"output": v}), nil
	})
	wf := loopWorkflow(map[string]any{"items_expression": "{{ trigger.items }}"})
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "looping", map[string]any{"items": []any{10, 20, 30}})
	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.Error(t, err)

	var ne *NodeError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "body", ne.NodeID)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, string(faults.KindNodeFailure), got.ErrorCode)
	// The collector downstream never ran.
	assert.Empty(t, h.statuses(t, rec.ID, "sum"))
}

func confirmRegistry(t *testing.T) *workflow.Registry {
	t.Helper()
	confirm := fnDef("confirm", func(_ context.Context, in node.Input) (node.Result, error) {
		if v, ok := in.State.Get("_resume_input"); ok {
			reply, _ := v.(string)
			return node.Outputs(map[string]any{"output": reply}), nil
		}
		return node.SuspendForInput("Proceed?"), nil
	}, func(d *workflow.Definition) { d.Interrupting = true })
	after := fnDef("after", func(_ context.Context, in node.Input) (node.Result, error) {
		prev, _ := in.State.NodeOutput("c")
		return node.Outputs(map[string]any{"final": prev["output"]}), nil
	})
	return testRegistry(t, confirm, after)
}

func confirmWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID: "wf1", Slug: "confirming",
		Nodes: []workflow.Node{
			{ID: "t", Type: "trigger_manual"},
			{ID: "c", Type: "confirm"},
			{ID: "d", Type: "after"},
		},
		Edges: []workflow.Edge{{Source: "t", Target: "c"}, {Source: "c", Target: "d"}},
	}
}

func TestHumanInputSuspendAndResume(t *testing.T) {
	reg := confirmRegistry(t)
	plan := mustCompile(t, reg, confirmWorkflow())

	h := newHarness()
	rec := h.createPending(t, "confirming", nil)
	sub := h.bus.Subscribe(hooks.ExecutionChannel(rec.ID))
	defer sub.Close()

	parked, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusInterrupted, parked.Status)
	assert.Equal(t, string(node.SuspendInput), parked.InterruptReason)
	assert.Equal(t, []nodelog.Status{nodelog.StatusRunning, nodelog.StatusWaiting}, h.statuses(t, rec.ID, "c"))
	assert.Empty(t, h.statuses(t, rec.ID, "d"))

	cp, err := h.cps.Latest(context.Background(), checkpoint.ExecutionThreadID(rec.ID))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cp.Step, 1)

	evts := drainEvents(sub)
	types := eventTypes(evts)
	require.Contains(t, types, stream.EventExecutionInterrupted)
	for _, e := range evts {
		if ie, ok := e.(*stream.ExecutionInterrupted); ok {
			assert.Equal(t, string(node.SuspendInput), ie.Data.Reason)
			assert.Equal(t, "c", ie.Data.NodeID)
			assert.Equal(t, "Proceed?", ie.Data.Prompt)
		}
	}

	done, err := h.exec.ResumeRun(context.Background(), plan, rec.ID, Resume{UserInput: "yes", HasUserInput: true})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, done.Status)
	assert.Equal(t, "yes", done.FinalOutput["final"])
	assert.Empty(t, done.InterruptReason)
	// The suspended node was invoked twice: suspend, then completion.
	assert.Equal(t, []nodelog.Status{
		nodelog.StatusRunning, nodelog.StatusWaiting,
		nodelog.StatusRunning, nodelog.StatusSuccess,
	}, h.statuses(t, rec.ID, "c"))
}

func TestLoopBodySuspendResumesMidIteration(t *testing.T) {
	reg := loopRegistry(t, func(_ context.Context, in node.Input) (node.Result, error) {
		v, _ := template.AsNumber(in.Config["value"])
		if v == 20 {
			if reply, ok := in.State.Get("_resume_input"); ok {
				return node.Outputs(map[string]any{"output": reply}), nil
			}
			return node.SuspendForInput("Continue with 20?"), nil
		}
		return node.Outputs(map[string]any{"output": v}), nil
	})
	wf := loopWorkflow(map[string]any{"items_expression": "{{ trigger.items }}"})
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "looping", map[string]any{"items": []any{10, 20, 30}})

	parked, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusInterrupted, parked.Status)
	assert.Equal(t, string(node.SuspendInput), parked.InterruptReason)

	done, err := h.exec.ResumeRun(context.Background(), plan, rec.ID, Resume{UserInput: "approved", HasUserInput: true})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, done.Status)
	assert.Equal(t, []any{float64(10), "approved", float64(30)}, done.FinalOutput["results"])
	assert.Equal(t, 3, done.FinalOutput["count"])
}

func TestSubworkflowSuspendNotifiesAndResumes(t *testing.T) {
	sub := fnDef("subflow", func(_ context.Context, in node.Input) (node.Result, error) {
		if raw, ok := in.State.Get("_subworkflow_results"); ok {
			if all, ok := raw.(map[string]any); ok {
				if out, ok := all[in.NodeID].(map[string]any); ok {
					return node.Outputs(out), nil
				}
			}
		}
		return node.SuspendForChild("child-flow", map[string]any{"question": "6*7"}), nil
	}, func(d *workflow.Definition) { d.Interrupting = true })
	reg := testRegistry(t, sub)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "parent",
		Nodes: []workflow.Node{{ID: "t", Type: "trigger_manual"}, {ID: "s", Type: "subflow"}},
		Edges: []workflow.Edge{{Source: "t", Target: "s"}},
	}
	plan := mustCompile(t, reg, wf)

	var captured []SuspendInfo
	h := newHarness(WithSuspender(SuspenderFunc(func(_ context.Context, _ execution.Record, info SuspendInfo) error {
		captured = append(captured, info)
		return nil
	})))
	rec := h.createPending(t, "parent", nil)

	parked, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusInterrupted, parked.Status)
	assert.Equal(t, string(node.SuspendChild), parked.InterruptReason)
	require.Len(t, captured, 1)
	assert.Equal(t, "s", captured[0].NodeID)
	assert.Equal(t, "child-flow", captured[0].ChildWorkflow)
	assert.Equal(t, map[string]any{"question": "6*7"}, captured[0].ChildPayload)

	done, err := h.exec.ResumeRun(context.Background(), plan, rec.ID, Resume{
		ChildNodeID: "s",
		ChildOutput: map[string]any{"answer": float64(42)},
	})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, done.Status)
	assert.Equal(t, float64(42), done.FinalOutput["answer"])
}

func TestDelayResumeSkipsReinvocation(t *testing.T) {
	var invocations atomic.Int64
	wait := fnDef("wait", func(context.Context, node.Input) (node.Result, error) {
		invocations.Add(1)
		return node.Delay(50 * time.Millisecond), nil
	}, func(d *workflow.Definition) { d.Interrupting = true })
	after := fnDef("after", func(context.Context, node.Input) (node.Result, error) {
		return node.Outputs(map[string]any{"done": true}), nil
	})
	reg := testRegistry(t, wait, after)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "delayed",
		Nodes: []workflow.Node{
			{ID: "t", Type: "trigger_manual"},
			{ID: "w", Type: "wait"},
			{ID: "d", Type: "after"},
		},
		Edges: []workflow.Edge{{Source: "t", Target: "w"}, {Source: "w", Target: "d"}},
	}
	plan := mustCompile(t, reg, wf)

	var delays []time.Duration
	h := newHarness(WithSuspender(SuspenderFunc(func(_ context.Context, _ execution.Record, info SuspendInfo) error {
		delays = append(delays, info.Delay)
		return nil
	})))
	rec := h.createPending(t, "delayed", nil)

	parked, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusInterrupted, parked.Status)
	assert.Equal(t, string(node.SuspendDelay), parked.InterruptReason)
	require.Equal(t, []time.Duration{50 * time.Millisecond}, delays)

	done, err := h.exec.ResumeRun(context.Background(), plan, rec.ID, Resume{})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, done.Status)
	assert.Equal(t, int64(1), invocations.Load(), "delay nodes complete directly on resume")
	assert.Equal(t, map[string]any{"done": true}, done.FinalOutput)
}

func TestInterruptBeforeParksThenRuns(t *testing.T) {
	var ran atomic.Int64
	step := fnDef("step", func(context.Context, node.Input) (node.Result, error) {
		ran.Add(1)
		return node.Outputs(map[string]any{"output": "did it"}), nil
	})
	reg := testRegistry(t, step)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "gated",
		Nodes: []workflow.Node{
			{ID: "t", Type: "trigger_manual"},
			{ID: "g", Type: "step", Config: workflow.NodeConfig{InterruptBefore: true}},
		},
		Edges: []workflow.Edge{{Source: "t", Target: "g"}},
	}
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "gated", nil)

	parked, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusInterrupted, parked.Status)
	assert.Equal(t, ReasonInterrupt, parked.InterruptReason)
	assert.Equal(t, int64(0), ran.Load(), "interrupt_before parks before the node runs")

	done, err := h.exec.ResumeRun(context.Background(), plan, rec.ID, Resume{})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, done.Status)
	assert.Equal(t, int64(1), ran.Load())
}

func TestInterruptAfterParksOnce(t *testing.T) {
	var ran atomic.Int64
	step := fnDef("step", func(context.Context, node.Input) (node.Result, error) {
		ran.Add(1)
		return node.Outputs(map[string]any{"output": "did it"}), nil
	})
	reg := testRegistry(t, step)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "reviewed",
		Nodes: []workflow.Node{
			{ID: "t", Type: "trigger_manual"},
			{ID: "g", Type: "step", Config: workflow.NodeConfig{InterruptAfter: true}},
		},
		Edges: []workflow.Edge{{Source: "t", Target: "g"}},
	}
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "reviewed", nil)

	parked, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusInterrupted, parked.Status)
	assert.Equal(t, int64(1), ran.Load(), "interrupt_after parks after the node succeeded")

	done, err := h.exec.ResumeRun(context.Background(), plan, rec.ID, Resume{})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, done.Status)
	assert.Equal(t, int64(1), ran.Load(), "the node does not run again on resume")
}

func TestNodeFailureFailsExecution(t *testing.T) {
	boom := fnDef("boom", func(context.Context, node.Input) (node.Result, error) {
		return node.Result{}, errors.New("kaput")
	})
	never := fnDef("never", func(context.Context, node.Input) (node.Result, error) {
		return node.Result{}, errors.New("downstream of a failure must not run")
	})
	reg := testRegistry(t, boom, never)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "failing",
		Nodes: []workflow.Node{
			{ID: "t", Type: "trigger_manual"},
			{ID: "x", Type: "boom"},
			{ID: "y", Type: "never"},
		},
		Edges: []workflow.Edge{{Source: "t", Target: "x"}, {Source: "x", Target: "y"}},
	}
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "failing", nil)
	sub := h.bus.Subscribe(hooks.ExecutionChannel(rec.ID))
	defer sub.Close()

	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.Error(t, err)

	var ne *NodeError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "x", ne.NodeID)
	assert.Equal(t, "boom", ne.NodeType)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, string(faults.KindNodeFailure), got.ErrorCode)
	assert.Contains(t, got.Error, "kaput")
	assert.Empty(t, h.statuses(t, rec.ID, "y"))
	assert.Contains(t, eventTypes(drainEvents(sub)), stream.EventExecutionFailed)
}

func TestNodePanicIsContained(t *testing.T) {
	psycho := fnDef("psycho", func(context.Context, node.Input) (node.Result, error) {
		panic("lost it")
	})
	reg := testRegistry(t, psycho)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "panicking",
		Nodes: []workflow.Node{{ID: "t", Type: "trigger_manual"}, {ID: "p", Type: "psycho"}},
		Edges: []workflow.Edge{{Source: "t", Target: "p"}},
	}
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "panicking", nil)

	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.Error(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, "PANIC", got.ErrorCode)
	assert.Contains(t, got.Error, "lost it")
}

func TestNodeTimeoutFails(t *testing.T) {
	slow := fnDef("slow", func(ctx context.Context, _ node.Input) (node.Result, error) {
		select {
		case <-ctx.Done():
			return node.Result{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return node.Outputs(map[string]any{"output": "too late"}), nil
		}
	})
	reg := testRegistry(t, slow)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "slowpoke",
		Nodes: []workflow.Node{
			{ID: "t", Type: "trigger_manual"},
			{ID: "s", Type: "slow", Config: workflow.NodeConfig{Extra: map[string]any{"timeout_ms": 25}}},
		},
		Edges: []workflow.Edge{{Source: "t", Target: "s"}},
	}
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "slowpoke", nil)

	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.Error(t, err)
	assert.Equal(t, faults.KindTimeout, faults.KindOf(err))
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, string(faults.KindTimeout), got.ErrorCode)
}

func TestExternalCancellationStopsAtWaveBoundary(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := fnDef("slow", func(context.Context, node.Input) (node.Result, error) {
		close(started)
		<-release
		return node.Outputs(map[string]any{"output": "done"}), nil
	})
	never := fnDef("never", func(context.Context, node.Input) (node.Result, error) {
		return node.Result{}, errors.New("must not run after cancellation")
	})
	reg := testRegistry(t, slow, never)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "cancelling",
		Nodes: []workflow.Node{
			{ID: "t", Type: "trigger_manual"},
			{ID: "a", Type: "slow"},
			{ID: "b", Type: "never"},
		},
		Edges: []workflow.Edge{{Source: "t", Target: "a"}, {Source: "a", Target: "b"}},
	}
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "cancelling", nil)

	type result struct {
		rec execution.Record
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		got, err := h.exec.Run(context.Background(), plan, rec.ID)
		resCh <- result{got, err}
	}()

	<-started
	_, err := h.execs.Transition(context.Background(), rec.ID, execution.Transition{
		From: execution.StatusRunning,
		To:   execution.StatusCancelled,
	})
	require.NoError(t, err)
	close(release)

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, execution.StatusCancelled, res.rec.Status)
	assert.Empty(t, h.statuses(t, rec.ID, "b"))
}

func TestBudgetGateBlocksExecution(t *testing.T) {
	step := fnDef("step", func(context.Context, node.Input) (node.Result, error) {
		return node.Outputs(map[string]any{"output": "free"}), nil
	})
	reg := testRegistry(t, step)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "budgeted",
		Nodes: []workflow.Node{{ID: "t", Type: "trigger_manual"}, {ID: "s", Type: "step"}},
		Edges: []workflow.Edge{{Source: "t", Target: "s"}},
	}
	plan := mustCompile(t, reg, wf)

	budget := int64(10)
	epics := costmem.NewStore()
	require.NoError(t, epics.Create(context.Background(), &costs.Epic{ID: "epic-1", BudgetTokens: &budget}))
	_, err := epics.AddSpend(context.Background(), "epic-1", 25, 0)
	require.NoError(t, err)

	execs := execmem.NewStore()
	h := &harness{
		execs: execs,
		logs:  logmem.NewStore(),
		cps:   cpmem.NewStore(),
		bus:   hooks.NewBus(),
	}
	h.exec = New(h.execs, h.logs, h.cps, h.bus,
		WithAccountant(costs.NewAccountant(epics, execs)))

	rec := execution.Record{
		ID: uuid.NewString(), WorkflowID: "wf1", WorkflowSlug: "budgeted",
		TriggerNode: "t", Status: execution.StatusPending, EpicID: "epic-1",
	}
	require.NoError(t, h.execs.Create(context.Background(), rec))

	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.Error(t, err)
	assert.Equal(t, faults.KindBudgetExceeded, faults.KindOf(err))
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, string(faults.KindBudgetExceeded), got.ErrorCode)
	assert.Empty(t, h.statuses(t, rec.ID, "s"), "no node runs once the budget is gone")
}

func TestResumeWithCorruptCheckpointFails(t *testing.T) {
	step := fnDef("step", func(context.Context, node.Input) (node.Result, error) {
		return node.Outputs(map[string]any{"output": "ok"}), nil
	})
	reg := testRegistry(t, step)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "corrupted",
		Nodes: []workflow.Node{{ID: "t", Type: "trigger_manual"}, {ID: "s", Type: "step"}},
		Edges: []workflow.Edge{{Source: "t", Target: "s"}},
	}
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "corrupted", nil)
	ctx := context.Background()
	_, err := h.execs.Transition(ctx, rec.ID, execution.Transition{From: execution.StatusPending, To: execution.StatusRunning})
	require.NoError(t, err)
	_, err = h.execs.Transition(ctx, rec.ID, execution.Transition{
		From: execution.StatusRunning, To: execution.StatusInterrupted, InterruptReason: "human_confirmation",
	})
	require.NoError(t, err)
	require.NoError(t, h.cps.Save(ctx, checkpoint.Checkpoint{
		ThreadID:  checkpoint.ExecutionThreadID(rec.ID),
		ID:        uuid.NewString(),
		Step:      1,
		Source:    "interrupt",
		Blob:      []byte("{not json"),
		CreatedAt: time.Now().UTC(),
	}))

	got, err := h.exec.ResumeRun(ctx, plan, rec.ID, Resume{})
	require.Error(t, err)
	assert.Equal(t, faults.KindCheckpointCorrupt, faults.KindOf(err))
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, string(faults.KindCheckpointCorrupt), got.ErrorCode)
}

func TestRunOnClaimedRecordReturnsCurrent(t *testing.T) {
	step := fnDef("step", func(context.Context, node.Input) (node.Result, error) {
		return node.Outputs(map[string]any{"output": "ok"}), nil
	})
	reg := testRegistry(t, step)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "claimed",
		Nodes: []workflow.Node{{ID: "t", Type: "trigger_manual"}, {ID: "s", Type: "step"}},
		Edges: []workflow.Edge{{Source: "t", Target: "s"}},
	}
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "claimed", nil)
	_, err := h.execs.Transition(context.Background(), rec.ID, execution.Transition{
		From: execution.StatusPending, To: execution.StatusRunning,
	})
	require.NoError(t, err)

	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, got.Status, "a claimed record is returned untouched")
	assert.Empty(t, h.statuses(t, rec.ID, "s"))
}

func TestTokenUsageIsChargedAndStripped(t *testing.T) {
	model := fnDef("model", func(context.Context, node.Input) (node.Result, error) {
		return node.Outputs(map[string]any{
			"output": "answer",
			"_token_usage": map[string]any{
				"input":    float64(100),
				"output":   float64(50),
				"cost_usd": 0.01,
			},
		}), nil
	})
	reg := testRegistry(t, model)
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "metered",
		Nodes: []workflow.Node{{ID: "t", Type: "trigger_manual"}, {ID: "m", Type: "model"}},
		Edges: []workflow.Edge{{Source: "t", Target: "m"}},
	}
	plan := mustCompile(t, reg, wf)

	h := newHarness()
	rec := h.createPending(t, "metered", nil)

	got, err := h.exec.Run(context.Background(), plan, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, int64(150), got.SpentTokens)
	assert.Equal(t, int64(10_000), got.SpentMicroUSD)
	assert.Equal(t, map[string]any{"output": "answer"}, got.FinalOutput, "reserved keys never reach the visible output")

	entries, err := h.logs.List(context.Background(), rec.ID)
	require.NoError(t, err)
	for _, e := range entries {
		if e.NodeID == "m" && e.Status == nodelog.StatusSuccess {
			require.NotNil(t, e.Usage)
			assert.Equal(t, int64(150), e.Usage.Total())
			assert.NotContains(t, e.Output, "_token_usage")
		}
	}
}
