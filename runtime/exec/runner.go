package exec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pipelit.dev/pipelit/runtime/compile"
	"pipelit.dev/pipelit/runtime/execution"
	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/hooks"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/nodelog"
	"pipelit.dev/pipelit/runtime/state"
	"pipelit.dev/pipelit/runtime/stream"
	"pipelit.dev/pipelit/runtime/telemetry"
	"pipelit.dev/pipelit/runtime/template"
	"pipelit.dev/pipelit/runtime/workflow"
)

// Control-flow sentinels. Both mean the record has already been transitioned
// and evented; the segment stack just unwinds.
var (
	errParked    = errors.New("execution parked")
	errCancelled = errors.New("execution cancelled")
)

const (
	phaseRun   = "run"
	phaseAfter = "after"

	configTimeoutKey = "timeout_ms"
	usageOutputKey   = "_token_usage"
)

type (
	// runner holds the mutable control state of one drive through a plan.
	// It is single-goroutine except for invokeAll, which fans node runs out
	// and joins them before any state is written.
	runner struct {
		e    *Executor
		plan *compile.Plan
		rec  execution.Record
		st   *state.State

		done          map[string]bool
		skipped       map[string]bool
		selected      map[string]map[string]bool
		clearedBefore map[string]bool
		clearedAfter  map[string]bool
		// completeDirectly lists resumed delay nodes, which finish with empty
		// outputs instead of being re-invoked.
		completeDirectly map[string]bool
		frames           []*frame
	}

	// frame is one active loop iteration.
	frame struct {
		loopID  string
		items   []any
		index   int
		results []any
	}

	// segment is a wave range filtered to one nesting level: the top level
	// runs nodes outside any loop, a loop driver runs its direct body.
	segment struct {
		from, to int
		member   func(id string) bool
	}

	// resumePoint positions a restored runner: descend through frames, then
	// re-enter the parked wave in the given phase.
	resumePoint struct {
		wave   int
		phase  string
		frames []frameSnap
	}

	// nodeOutcome is one joined node run.
	nodeOutcome struct {
		id       string
		res      node.Result
		err      error
		duration time.Duration
	}

	parkReq struct {
		wave     int
		phase    string
		reason   string
		nodeID   string
		prompt   string
		suspends []suspendEntry
	}

	suspendEntry struct {
		id  string
		sus *node.Suspend
	}
)

func newRunner(e *Executor, plan *compile.Plan, rec execution.Record, st *state.State) *runner {
	return &runner{
		e:                e,
		plan:             plan,
		rec:              rec,
		st:               st,
		done:             map[string]bool{},
		skipped:          map[string]bool{},
		selected:         map[string]map[string]bool{},
		clearedBefore:    map[string]bool{},
		clearedAfter:     map[string]bool{},
		completeDirectly: map[string]bool{},
	}
}

// restore rebuilds control state from a snapshot. Done flags derive from
// recorded node outputs; active loop bodies are then narrowed to the parked
// iteration, since earlier iterations left outputs for waves the current one
// has not reached.
func (r *runner) restore(snap *snapshot) *resumePoint {
	for _, id := range snap.Skipped {
		r.skipped[id] = true
	}
	for src, targets := range snap.Selected {
		set := make(map[string]bool, len(targets))
		for _, t := range targets {
			set[t] = true
		}
		r.selected[src] = set
	}
	for _, id := range snap.ClearedBefore {
		r.clearedBefore[id] = true
	}
	for _, id := range snap.ClearedAfter {
		r.clearedAfter[id] = true
	}
	for _, id := range snap.DelayNodes {
		r.completeDirectly[id] = true
	}

	for id := range r.plan.Records {
		if _, ok := r.st.NodeOutput(id); ok {
			r.done[id] = true
		}
	}
	for _, fs := range snap.Frames {
		lp, ok := r.plan.Loops[fs.LoopID]
		if !ok {
			continue
		}
		for _, b := range lp.Body {
			if br, ok := r.plan.Records[b]; ok {
				r.done[b] = r.done[b] && br.Wave < snap.Wave
			}
		}
		r.done[fs.LoopID] = false
	}
	for _, id := range snap.DoneInWave {
		r.done[id] = true
	}

	return &resumePoint{wave: snap.Wave, phase: snap.Phase, frames: snap.Frames}
}

func (r *runner) topLevel(id string) bool {
	br, ok := r.plan.Records[id]
	return ok && br.LoopID == ""
}

func (r *runner) waveMembers(w int, seg segment) []string {
	var ids []string
	for _, id := range r.plan.Waves[w] {
		if seg.member(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// runSegment walks one nesting level's waves. rp, when non-nil, positions
// the first wave: either the parked wave itself or the wave holding the
// loop node the descent continues through.
func (r *runner) runSegment(ctx context.Context, seg segment, rp *resumePoint) error {
	start := seg.from
	if rp != nil {
		if len(rp.frames) > 0 {
			lrec, ok := r.plan.Records[rp.frames[0].LoopID]
			if !ok {
				return faults.Newf(faults.KindCheckpointCorrupt, "checkpoint references unknown loop %q", rp.frames[0].LoopID)
			}
			start = lrec.Wave
		} else {
			start = rp.wave
		}
		if start < seg.from {
			start = seg.from
		}
	}

	for w := start; w <= seg.to; w++ {
		ids := r.waveMembers(w, seg)
		if len(ids) == 0 {
			continue
		}
		if err := r.checkLive(ctx); err != nil {
			return err
		}
		if err := r.e.execs.Touch(ctx, r.rec.ID); err != nil {
			r.e.log.Warn(ctx, "liveness touch failed", "execution_id", r.rec.ID, "err", err)
		}

		if rp != nil && len(rp.frames) == 0 && w == rp.wave && rp.phase == phaseAfter {
			// The wave ran before the park; only the interrupt sweep remains.
			if err := r.interruptAfter(ctx, w, ids); err != nil {
				return err
			}
			rp = nil
			continue
		}
		if err := r.runWave(ctx, w, ids, rp); err != nil {
			return err
		}
		if err := r.interruptAfter(ctx, w, ids); err != nil {
			return err
		}
		rp = nil
	}
	return nil
}

// runWave settles every member of one wave: prune dead branches, park on
// interrupt flags, run plain nodes concurrently, then drive loops one at a
// time.
func (r *runner) runWave(ctx context.Context, w int, ids []string, rp *resumePoint) error {
	var launch, loops []string
	for _, id := range ids {
		if r.done[id] || r.skipped[id] {
			continue
		}
		if !r.live(id) {
			r.markSkipped(ctx, id)
			continue
		}
		if _, isLoop := r.plan.Loops[id]; isLoop {
			loops = append(loops, id)
			continue
		}
		launch = append(launch, id)
	}

	// interrupt_before parks once per encounter, before anything launches.
	for _, id := range ids {
		if r.done[id] || r.skipped[id] {
			continue
		}
		br := r.plan.Records[id]
		if br.Node.Config.InterruptBefore && !r.clearedBefore[id] {
			r.clearedBefore[id] = true
			return r.park(ctx, parkReq{wave: w, phase: phaseRun, reason: ReasonInterrupt, nodeID: id})
		}
	}

	// Resumed delay nodes complete without another invocation.
	pending := launch[:0]
	for _, id := range launch {
		if r.completeDirectly[id] {
			delete(r.completeDirectly, id)
			r.applySuccess(ctx, nodeOutcome{id: id, res: node.Result{Outputs: map[string]any{}}})
			continue
		}
		pending = append(pending, id)
	}
	launch = pending

	if len(launch) > 0 || len(loops) > 0 {
		if err := r.gate(ctx); err != nil {
			return err
		}
	}

	outcomes, ctxErr := r.invokeAll(ctx, launch)
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].id < outcomes[j].id })

	var failed *nodeOutcome
	var suspends []suspendEntry
	for i := range outcomes {
		oc := &outcomes[i]
		switch {
		case oc.err != nil:
			r.logFailure(ctx, oc)
			if failed == nil {
				failed = oc
			}
		case oc.res.Suspend != nil:
			suspends = append(suspends, suspendEntry{id: oc.id, sus: oc.res.Suspend})
		default:
			r.applySuccess(ctx, *oc)
		}
	}

	if ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return faults.Wrap(faults.KindTimeout, fmt.Sprintf("execution %s deadline", r.rec.ID), ctxErr)
		}
		return r.cancelled(ctx)
	}
	if failed != nil {
		br := r.plan.Records[failed.id]
		return &NodeError{NodeID: failed.id, NodeType: br.Node.Type, Err: failed.err}
	}
	if len(suspends) > 0 {
		first := suspends[0]
		return r.park(ctx, parkReq{
			wave:     w,
			phase:    phaseRun,
			reason:   string(first.sus.Reason),
			nodeID:   first.id,
			prompt:   first.sus.Prompt,
			suspends: suspends,
		})
	}

	for _, id := range loops {
		var lrp *resumePoint
		if rp != nil && len(rp.frames) > 0 && rp.frames[0].LoopID == id {
			lrp = rp
		}
		if err := r.runLoop(ctx, id, lrp); err != nil {
			return err
		}
	}
	return nil
}

// live reports whether any incoming dependency admits the node. Conditional
// deps require their emitter to have selected this target; loop entry deps
// read live while their loop's frame is active; data deps require the source
// to have completed. Entry nodes with no deps are always live.
func (r *runner) live(id string) bool {
	br := r.plan.Records[id]
	if len(br.In) == 0 {
		return true
	}
	for _, d := range br.In {
		switch {
		case d.Label == workflow.EdgeLabelLoopBody:
			if r.activeLoop(d.Source) {
				return true
			}
		case d.Condition != "":
			if r.done[d.Source] && r.selected[d.Source][id] {
				return true
			}
		default:
			if r.done[d.Source] {
				return true
			}
		}
	}
	return false
}

func (r *runner) activeLoop(id string) bool {
	for _, f := range r.frames {
		if f.loopID == id {
			return true
		}
	}
	return false
}

// invokeAll fans the wave out under the concurrency bound and joins it. On
// context cancellation in-flight runnables get a grace window to notice; the
// collected outcomes are returned either way so the audit trail stays whole.
func (r *runner) invokeAll(ctx context.Context, ids []string) ([]nodeOutcome, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	results := make(chan nodeOutcome, len(ids))
	sem := make(chan struct{}, r.e.waveConcurrency)
	for _, id := range ids {
		go func(id string) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- nodeOutcome{id: id, err: faults.Wrap(faults.KindCancelled, fmt.Sprintf("node %s not started", id), ctx.Err())}
				return
			}
			defer func() { <-sem }()
			results <- r.invokeNode(ctx, id)
		}(id)
	}

	collected := make([]nodeOutcome, 0, len(ids))
	remaining := len(ids)
	for remaining > 0 {
		select {
		case oc := <-results:
			collected = append(collected, oc)
			remaining--
		case <-ctx.Done():
			timer := time.NewTimer(r.e.grace)
			for remaining > 0 {
				select {
				case oc := <-results:
					collected = append(collected, oc)
					remaining--
				case <-timer.C:
					return collected, ctx.Err()
				}
			}
			timer.Stop()
			return collected, ctx.Err()
		}
	}
	return collected, nil
}

// invokeNode runs one node: resolve config, apply the per-node timeout,
// invoke with panic isolation. It writes the running log entry itself; the
// terminal entry is written after the wave joins.
func (r *runner) invokeNode(ctx context.Context, id string) (oc nodeOutcome) {
	br := r.plan.Records[id]
	start := time.Now()
	oc.id = id
	defer func() {
		oc.duration = time.Since(start)
		if p := recover(); p != nil {
			oc.res = node.Result{}
			oc.err = faults.Newf(faults.KindNodeFailure, "node %s panicked: %v", id, p).WithCode("PANIC")
		}
	}()

	r.appendLog(ctx, nodelog.Entry{ExecutionID: r.rec.ID, NodeID: id, Status: nodelog.StatusRunning})
	r.publish(ctx, stream.NewNodeStatus(r.rec.ID, r.plan.WorkflowSlug, stream.NodeStatusPayload{
		NodeID: id, Status: string(nodelog.StatusRunning),
	}))

	cfg := r.resolveConfig(ctx, br.Node)
	runCtx := ctx
	if t := timeoutFrom(cfg); t > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	res, err := br.Runnable.Run(runCtx, node.Input{
		ExecutionID: r.rec.ID,
		NodeID:      id,
		Config:      cfg,
		State:       r.st,
	})
	if err != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			err = faults.Wrap(faults.KindTimeout, fmt.Sprintf("node %s timed out", id), err)
		case ctx.Err() != nil:
			err = faults.Wrap(faults.KindCancelled, fmt.Sprintf("node %s cancelled", id), err)
		case faults.KindOf(err) == "":
			err = faults.Wrap(faults.KindNodeFailure, fmt.Sprintf("node %s failed", id), err)
		}
		oc.err = err
		return
	}
	oc.res = res
	return
}

// resolveConfig renders every templated leaf of the node configuration
// against the current scope. Resolution failures degrade to the raw value;
// broken templates must not fail a node that may not even read them.
func (r *runner) resolveConfig(ctx context.Context, n workflow.Node) map[string]any {
	scope := r.st.TemplateScope()
	cfg := make(map[string]any, len(n.Config.Extra)+1)
	for k, v := range n.Config.Extra {
		rv, err := r.e.resolver.ResolveValue(v, scope)
		if err != nil {
			r.e.log.Warn(ctx, "config template failed", "node_id", n.ID, "key", k, "err", err)
			rv = v
		}
		cfg[k] = rv
	}
	if n.Config.SystemPrompt != "" {
		sp, err := r.e.resolver.RenderString(n.Config.SystemPrompt, scope)
		if err != nil {
			r.e.log.Warn(ctx, "system prompt template failed", "node_id", n.ID, "err", err)
			sp = n.Config.SystemPrompt
		}
		cfg["system_prompt"] = sp
	}
	return cfg
}

// applySuccess folds one settled node into state and control maps and writes
// its terminal log entry. Called after the wave joins, one outcome at a time,
// in node id order.
func (r *runner) applySuccess(ctx context.Context, oc nodeOutcome) {
	r.st.Apply(oc.id, oc.res)
	r.done[oc.id] = true
	if rm, ok := r.plan.Routes[oc.id]; ok && oc.res.RouteSet {
		r.selected[oc.id] = targetSet(rm, oc.res.Route)
	}

	usage := extractUsage(oc.res)
	r.charge(ctx, usage)

	out := publicOutputs(oc.res.Outputs)
	r.appendLog(ctx, nodelog.Entry{
		ExecutionID: r.rec.ID,
		NodeID:      oc.id,
		Status:      nodelog.StatusSuccess,
		Output:      out,
		DurationMS:  oc.duration.Milliseconds(),
		Usage:       usage,
	})
	r.publish(ctx, stream.NewNodeStatus(r.rec.ID, r.plan.WorkflowSlug, stream.NodeStatusPayload{
		NodeID: oc.id, Status: string(nodelog.StatusSuccess), Output: anyOrNil(out),
	}))
	r.e.metrics.RecordTimer(telemetry.MetricNodeDuration, oc.duration, "node_type", r.plan.Records[oc.id].Node.Type)
}

func (r *runner) logFailure(ctx context.Context, oc *nodeOutcome) {
	code := faults.CodeOf(oc.err)
	if code == "" {
		code = string(faults.KindOf(oc.err))
	}
	r.appendLog(ctx, nodelog.Entry{
		ExecutionID: r.rec.ID,
		NodeID:      oc.id,
		Status:      nodelog.StatusFailed,
		Error:       oc.err.Error(),
		ErrorCode:   code,
		DurationMS:  oc.duration.Milliseconds(),
	})
	r.publish(ctx, stream.NewNodeStatus(r.rec.ID, r.plan.WorkflowSlug, stream.NodeStatusPayload{
		NodeID: oc.id, Status: string(nodelog.StatusFailed), Error: oc.err.Error(), ErrorCode: code,
	}))
	r.e.metrics.IncCounter(telemetry.MetricNodeFailures, 1, "node_type", r.plan.Records[oc.id].Node.Type)
}

func (r *runner) markSkipped(ctx context.Context, id string) {
	r.skipped[id] = true
	r.appendLog(ctx, nodelog.Entry{ExecutionID: r.rec.ID, NodeID: id, Status: nodelog.StatusSkipped})
	r.publish(ctx, stream.NewNodeStatus(r.rec.ID, r.plan.WorkflowSlug, stream.NodeStatusPayload{
		NodeID: id, Status: string(nodelog.StatusSkipped),
	}))
}

// interruptAfter parks on the first done node carrying an uncleared
// interrupt_after flag. The cleared set persists in the snapshot, so a wave
// with several flagged nodes parks once per node across resumes.
func (r *runner) interruptAfter(ctx context.Context, w int, ids []string) error {
	for _, id := range ids {
		br := r.plan.Records[id]
		if !br.Node.Config.InterruptAfter || !r.done[id] || r.clearedAfter[id] {
			continue
		}
		r.clearedAfter[id] = true
		return r.park(ctx, parkReq{wave: w, phase: phaseAfter, reason: ReasonInterrupt, nodeID: id})
	}
	return nil
}

// runLoop drives one loop construct: materialize items, then run the body
// segment once per item with a fresh frame, collecting return values. A park
// inside the body freezes the frame stack into the snapshot.
func (r *runner) runLoop(ctx context.Context, id string, rp *resumePoint) error {
	br := r.plan.Records[id]
	lp := r.plan.Loops[id]
	start := r.e.now()

	var items []any
	idx := 0
	results := []any{}
	resumed := rp != nil && len(rp.frames) > 0 && rp.frames[0].LoopID == id
	if resumed {
		fs := rp.frames[0]
		items = fs.Items
		idx = fs.Index
		results = append(results, fs.Results...)
	} else {
		r.appendLog(ctx, nodelog.Entry{ExecutionID: r.rec.ID, NodeID: id, Status: nodelog.StatusRunning})
		r.publish(ctx, stream.NewNodeStatus(r.rec.ID, r.plan.WorkflowSlug, stream.NodeStatusPayload{
			NodeID: id, Status: string(nodelog.StatusRunning),
		}))
		var err error
		items, err = r.loopItems(br, lp)
		if err != nil {
			oc := nodeOutcome{id: id, err: err}
			r.logFailure(ctx, &oc)
			return &NodeError{NodeID: id, NodeType: br.Node.Type, Err: err}
		}
	}

	f := &frame{loopID: id, items: items, index: idx, results: results}
	r.frames = append(r.frames, f)
	defer func() {
		r.frames = r.frames[:len(r.frames)-1]
		r.st.SetLoopFrame(r.topFrameView())
	}()

	seg := segment{from: lp.FirstWave, to: lp.LastWave, member: func(bid string) bool {
		b, ok := r.plan.Records[bid]
		return ok && b.LoopID == id
	}}

	for i := idx; i < len(items); i++ {
		f.index = i
		f.results = results
		r.st.SetLoopFrame(map[string]any{"current": items[i], "index": i})

		var irp *resumePoint
		if resumed && i == idx {
			irp = &resumePoint{wave: rp.wave, phase: rp.phase, frames: rp.frames[1:]}
		} else {
			r.resetBody(lp)
		}

		if err := r.runSegment(ctx, seg, irp); err != nil {
			if errors.Is(err, errParked) || errors.Is(err, errCancelled) {
				return err
			}
			var ne *NodeError
			if errors.As(err, &ne) && lp.OnError == compile.OnErrorContinue {
				r.e.log.Warn(ctx, "loop iteration failed, continuing",
					"loop_id", id, "index", i, "err", err)
				continue
			}
			if errors.As(err, &ne) {
				r.appendLog(ctx, nodelog.Entry{
					ExecutionID: r.rec.ID,
					NodeID:      id,
					Status:      nodelog.StatusFailed,
					Error:       err.Error(),
					ErrorCode:   string(faults.KindOf(err)),
				})
			}
			return err
		}

		for _, ret := range lp.ReturnSources {
			if !r.done[ret] {
				continue
			}
			if out, ok := r.st.NodeOutput(ret); ok {
				results = append(results, iterationValue(out))
			}
		}
	}

	res := node.Result{Outputs: map[string]any{"results": results, "count": len(results)}}
	r.applySuccess(ctx, nodeOutcome{id: id, res: res, duration: r.e.now().Sub(start)})
	return nil
}

// loopItems materializes the iterable: the items template when configured,
// otherwise the value arriving on the input port, preferring a dep wired to
// the items port. Scalars wrap into a single-item list.
func (r *runner) loopItems(br *compile.BuildRecord, lp *compile.LoopPlan) ([]any, error) {
	if lp.ItemsExpr != "" {
		v, err := r.e.resolver.Resolve(lp.ItemsExpr, r.st.TemplateScope())
		if err != nil {
			return nil, faults.Wrap(faults.KindTemplateResolution, fmt.Sprintf("loop %s items", lp.NodeID), err)
		}
		return template.AsList(v), nil
	}
	var chosen *compile.Dep
	for i := range br.In {
		d := &br.In[i]
		if d.Condition != "" || d.Label != workflow.EdgeLabelData {
			continue
		}
		if d.TargetPort == "items" {
			chosen = d
			break
		}
		if chosen == nil {
			chosen = d
		}
	}
	if chosen == nil {
		return []any{}, nil
	}
	out, ok := r.st.NodeOutput(chosen.Source)
	if !ok {
		return []any{}, nil
	}
	if chosen.SourcePort != "" {
		return template.AsList(out[chosen.SourcePort]), nil
	}
	return template.AsList(iterationValue(out)), nil
}

// resetBody clears per-iteration control state so body nodes run fresh.
func (r *runner) resetBody(lp *compile.LoopPlan) {
	for _, bid := range lp.Body {
		delete(r.done, bid)
		delete(r.skipped, bid)
		delete(r.selected, bid)
		delete(r.clearedBefore, bid)
		delete(r.clearedAfter, bid)
	}
}

func (r *runner) topFrameView() map[string]any {
	if len(r.frames) == 0 {
		return nil
	}
	f := r.frames[len(r.frames)-1]
	if f.index < 0 || f.index >= len(f.items) {
		return nil
	}
	return map[string]any{"current": f.items[f.index], "index": f.index}
}

// park freezes the runner into a checkpoint, interrupts the record, logs the
// waiting nodes and notifies the suspender. The caller unwinds on errParked.
func (r *runner) park(ctx context.Context, req parkReq) error {
	snap := r.buildSnapshot(req)
	if err := r.e.persistSnapshot(ctx, r.rec.ID, snap); err != nil {
		return err
	}

	rec, err := r.e.execs.Transition(ctx, r.rec.ID, execution.Transition{
		From:            execution.StatusRunning,
		To:              execution.StatusInterrupted,
		InterruptReason: req.reason,
	})
	if err != nil {
		if errors.Is(err, execution.ErrConflict) {
			if cur, lerr := r.e.execs.Load(ctx, r.rec.ID); lerr == nil && cur.Status == execution.StatusCancelled {
				return errCancelled
			}
		}
		return err
	}
	r.rec = rec

	for _, s := range req.suspends {
		r.appendLog(ctx, nodelog.Entry{ExecutionID: r.rec.ID, NodeID: s.id, Status: nodelog.StatusWaiting})
		r.publish(ctx, stream.NewNodeStatus(r.rec.ID, r.plan.WorkflowSlug, stream.NodeStatusPayload{
			NodeID: s.id, Status: string(nodelog.StatusWaiting),
		}))
	}
	r.publish(ctx, stream.NewExecutionInterrupted(r.rec.ID, r.plan.WorkflowSlug, stream.ExecutionInterruptedPayload{
		ExecutionID: r.rec.ID,
		Reason:      req.reason,
		NodeID:      req.nodeID,
		Prompt:      req.prompt,
	}))
	r.e.metrics.IncCounter(telemetry.MetricExecutions, 1, "status", string(execution.StatusInterrupted))

	if r.e.suspender != nil {
		if len(req.suspends) == 0 {
			if err := r.e.suspender.OnSuspend(ctx, rec, SuspendInfo{Reason: req.reason, NodeID: req.nodeID}); err != nil {
				return r.suspendSetupFailed(ctx, err)
			}
		}
		for _, s := range req.suspends {
			info := SuspendInfo{
				Reason:        string(s.sus.Reason),
				NodeID:        s.id,
				Prompt:        s.sus.Prompt,
				ChildWorkflow: s.sus.ChildWorkflow,
				ChildPayload:  s.sus.ChildPayload,
				Delay:         s.sus.Delay,
			}
			if err := r.e.suspender.OnSuspend(ctx, rec, info); err != nil {
				return r.suspendSetupFailed(ctx, err)
			}
		}
	}
	return errParked
}

// suspendSetupFailed fails a just-parked execution whose follow-up work
// (child spawn, resume timer) could not be scheduled. Leaving it interrupted
// would strand it: nothing external would ever resume it.
func (r *runner) suspendSetupFailed(ctx context.Context, cause error) error {
	fault := faults.Wrap(faults.KindNodeFailure, "suspension follow-up failed", cause).WithCode("SUSPEND_SETUP")
	rec, err := r.e.execs.Transition(ctx, r.rec.ID, execution.Transition{
		From:      execution.StatusInterrupted,
		To:        execution.StatusFailed,
		Error:     fault.Error(),
		ErrorCode: fault.Code,
	})
	if err != nil {
		r.e.log.Error(ctx, "suspend failure transition lost", "execution_id", r.rec.ID, "err", err)
		return fault
	}
	r.publish(ctx, stream.NewExecutionFailed(rec.ID, rec.WorkflowSlug, stream.ExecutionFailedPayload{
		ExecutionID: rec.ID,
		Error:       rec.Error,
		ErrorCode:   rec.ErrorCode,
	}))
	r.e.metrics.IncCounter(telemetry.MetricExecutions, 1, "status", string(execution.StatusFailed))
	return fault
}

func (r *runner) buildSnapshot(req parkReq) *snapshot {
	snap := &snapshot{
		State:         r.st.Data(),
		Wave:          req.wave,
		Phase:         req.phase,
		Reason:        req.reason,
		Skipped:       setToSorted(r.skipped),
		ClearedBefore: setToSorted(r.clearedBefore),
		ClearedAfter:  setToSorted(r.clearedAfter),
	}
	for _, id := range r.plan.Waves[req.wave] {
		if r.done[id] {
			snap.DoneInWave = append(snap.DoneInWave, id)
		}
	}
	if len(r.selected) > 0 {
		snap.Selected = make(map[string][]string, len(r.selected))
		for src, set := range r.selected {
			snap.Selected[src] = setToSorted(set)
		}
	}
	for _, f := range r.frames {
		snap.Frames = append(snap.Frames, frameSnap{
			LoopID:  f.loopID,
			Items:   f.items,
			Index:   f.index,
			Results: f.results,
		})
	}
	for _, s := range req.suspends {
		snap.SuspendedNodes = append(snap.SuspendedNodes, s.id)
		if s.sus.Reason == node.SuspendDelay {
			snap.DelayNodes = append(snap.DelayNodes, s.id)
		}
	}
	return snap
}

// checkLive runs at wave boundaries: an expired context times the execution
// out, a cancelled context or an externally cancelled record stops it.
func (r *runner) checkLive(ctx context.Context) error {
	switch {
	case ctx.Err() == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return faults.Wrap(faults.KindTimeout, fmt.Sprintf("execution %s deadline", r.rec.ID), ctx.Err())
	default:
		return r.cancelled(ctx)
	}
	cur, err := r.e.execs.Load(ctx, r.rec.ID)
	if err != nil {
		return err
	}
	if cur.Status == execution.StatusCancelled {
		return errCancelled
	}
	return nil
}

// cancelled settles a context-initiated stop. The CAS may lose to an external
// canceller that already moved the record; then the event is theirs to emit.
func (r *runner) cancelled(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	rec, err := r.e.execs.Transition(base, r.rec.ID, execution.Transition{
		From: execution.StatusRunning,
		To:   execution.StatusCancelled,
	})
	if err == nil {
		r.rec = rec
		r.publish(ctx, stream.NewExecutionCancelled(rec.ID, rec.WorkflowSlug))
	} else if !errors.Is(err, execution.ErrConflict) {
		r.e.log.Error(ctx, "cancel transition failed", "execution_id", r.rec.ID, "err", err)
	}
	return errCancelled
}

func (r *runner) gate(ctx context.Context) error {
	if r.e.accountant == nil {
		return nil
	}
	return r.e.accountant.Gate(ctx, r.rec.EpicID)
}

func (r *runner) charge(ctx context.Context, usage *node.TokenUsage) {
	if usage == nil {
		return
	}
	var err error
	if r.e.accountant != nil {
		err = r.e.accountant.Charge(ctx, r.rec.ID, r.rec.EpicID, *usage)
	} else {
		err = r.e.execs.AddSpend(ctx, r.rec.ID, usage.Total(), usage.CostMicroUSD)
	}
	if err != nil {
		r.e.log.Error(ctx, "usage charge failed", "execution_id", r.rec.ID, "err", err)
	}
}

// finalOutput merges the outputs of the deepest wave that produced any, in
// node id order so overlapping keys resolve deterministically.
func (r *runner) finalOutput() map[string]any {
	for w := len(r.plan.Waves) - 1; w >= 0; w-- {
		out := map[string]any{}
		for _, id := range r.plan.Waves[w] {
			if !r.done[id] || r.skipped[id] {
				continue
			}
			if o, ok := r.st.NodeOutput(id); ok {
				for k, v := range o {
					out[k] = v
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return map[string]any{}
}

func (r *runner) appendLog(ctx context.Context, e nodelog.Entry) {
	e.Timestamp = r.e.now().UTC()
	if err := r.e.logs.Append(ctx, e); err != nil {
		r.e.log.Error(ctx, "node log append failed",
			"execution_id", e.ExecutionID, "node_id", e.NodeID, "err", err)
	}
}

func (r *runner) publish(ctx context.Context, evt hooks.Event) {
	r.e.publish(ctx, evt)
}

func targetSet(rm *compile.RouteMap, route string) map[string]bool {
	var targets []string
	if route != "" {
		if ts, ok := rm.Targets[route]; ok && len(ts) > 0 {
			targets = ts
		} else {
			targets = rm.Fallback
		}
	}
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[t] = true
	}
	return set
}

func extractUsage(res node.Result) *node.TokenUsage {
	if res.Usage != nil {
		return res.Usage
	}
	if raw, ok := res.Outputs[usageOutputKey].(map[string]any); ok {
		u := node.UsageFromMap(raw)
		if u.Total() > 0 || u.CostMicroUSD > 0 {
			return &u
		}
	}
	return nil
}

func publicOutputs(out map[string]any) map[string]any {
	pub := make(map[string]any, len(out))
	for k, v := range out {
		if strings.HasPrefix(k, "_") {
			continue
		}
		pub[k] = v
	}
	return pub
}

// iterationValue picks what a body node contributes to loop results: its
// output port when present, otherwise the whole output map.
func iterationValue(out map[string]any) any {
	if v, ok := out["output"]; ok {
		return v
	}
	return out
}

func timeoutFrom(cfg map[string]any) time.Duration {
	if v, ok := cfg[configTimeoutKey]; ok {
		if ms, ok := template.AsNumber(v); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 0
}

func setToSorted(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
