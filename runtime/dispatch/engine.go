package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pipelit.dev/pipelit/runtime/checkpoint"
	"pipelit.dev/pipelit/runtime/compile"
	"pipelit.dev/pipelit/runtime/exec"
	"pipelit.dev/pipelit/runtime/execution"
	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/hooks"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/nodelog"
	"pipelit.dev/pipelit/runtime/queue"
	"pipelit.dev/pipelit/runtime/stream"
	"pipelit.dev/pipelit/runtime/telemetry"
	"pipelit.dev/pipelit/runtime/triggers"
	"pipelit.dev/pipelit/runtime/workflow"
)

// DefaultZombieAfter is how long a running execution may go without a
// liveness touch before the sweeper promotes it to failed.
const DefaultZombieAfter = 30 * time.Minute

// DefaultSweepInterval is how often the background sweeper scans.
const DefaultSweepInterval = time.Minute

type (
	// Engine is the worker side of dispatch: it consumes run and resume jobs,
	// compiles the workflow, drives the executor, and reacts to suspensions
	// by spawning child executions or scheduling delayed wake-ups. It also
	// owns the zombie sweeper.
	//
	// Engine implements exec.Suspender; its executor is constructed
	// internally so the suspension callback is always wired.
	Engine struct {
		d        *Dispatcher
		execs    execution.Store
		creds    workflow.CredentialResolver
		bus      *hooks.Bus
		executor *exec.Executor
		execOpts []exec.Option

		zombieAfter time.Duration
		sweepEvery  time.Duration
		log         telemetry.Logger
		metrics     telemetry.Metrics
		now         func() time.Time
	}

	// EngineOption configures an Engine.
	EngineOption func(*Engine)
)

var _ exec.Suspender = (*Engine)(nil)

// WithCredentialResolver wires the resolver handed to component builders at
// compile time. Without one, nodes that declare credential references fail to
// build.
func WithCredentialResolver(cr workflow.CredentialResolver) EngineOption {
	return func(e *Engine) { e.creds = cr }
}

// WithZombieAfter overrides the liveness threshold.
func WithZombieAfter(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.zombieAfter = d
		}
	}
}

// WithSweepInterval overrides how often the background sweeper scans.
func WithSweepInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.sweepEvery = d
		}
	}
}

// WithEngineLogger sets the structured logger.
func WithEngineLogger(log telemetry.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithEngineMetrics sets the metrics recorder.
func WithEngineMetrics(m telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEngineClock injects a fake clock for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithExecutorOptions forwards options to the engine's executor: wave
// concurrency, budget accountant, grace periods.
func WithExecutorOptions(opts ...exec.Option) EngineOption {
	return func(e *Engine) { e.execOpts = append(e.execOpts, opts...) }
}

// NewEngine constructs the worker engine and its executor. The suspension
// callback is wired after any forwarded executor options so it cannot be
// displaced.
func NewEngine(d *Dispatcher, execs execution.Store, logs nodelog.Store, cps checkpoint.Store, bus *hooks.Bus, opts ...EngineOption) *Engine {
	e := &Engine{
		d:           d,
		execs:       execs,
		bus:         bus,
		zombieAfter: DefaultZombieAfter,
		sweepEvery:  DefaultSweepInterval,
		log:         telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.executor = exec.New(execs, logs, cps, bus,
		append(append([]exec.Option{}, e.execOpts...), exec.WithSuspender(e))...)
	return e
}

// Executor exposes the engine's executor, mainly for tests.
func (e *Engine) Executor() *exec.Executor { return e.executor }

// Bind registers the run and resume handlers on a worker pool. Handler
// errors are returned to the pool only when redelivery can help; everything
// deterministic settles the record instead.
func (e *Engine) Bind(p *queue.Pool) {
	p.Handle(KindRun, e.handleRun)
	p.Handle(KindResume, e.handleResume)
}

// handleRun starts a pending execution.
func (e *Engine) handleRun(ctx context.Context, job queue.Job) error {
	var rp RunPayload
	if err := job.DecodePayload(&rp); err != nil {
		e.log.Error(ctx, "engine: bad run payload", "job_id", job.ID, "err", err)
		return nil
	}
	rec, err := e.execs.Load(ctx, rp.ExecutionID)
	if errors.Is(err, execution.ErrNotFound) {
		e.log.Warn(ctx, "engine: run job for unknown execution", "execution_id", rp.ExecutionID)
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status != execution.StatusPending {
		// Another worker claimed it, or a cancel landed before pickup.
		return nil
	}

	wf, plan, err := e.prepare(ctx, rec)
	if err != nil {
		e.failBefore(ctx, rec, err)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.d.track(rec.ID, cancel)
	defer e.d.untrack(rec.ID)

	done, runErr := e.executor.Run(runCtx, plan, rec.ID)
	e.settle(ctx, wf, done, runErr)
	return nil
}

// handleResume restarts an interrupted execution from its checkpoint.
func (e *Engine) handleResume(ctx context.Context, job queue.Job) error {
	var rp ResumePayload
	if err := job.DecodePayload(&rp); err != nil {
		e.log.Error(ctx, "engine: bad resume payload", "job_id", job.ID, "err", err)
		return nil
	}
	rec, err := e.execs.Load(ctx, rp.ExecutionID)
	if errors.Is(err, execution.ErrNotFound) {
		e.log.Warn(ctx, "engine: resume job for unknown execution", "execution_id", rp.ExecutionID)
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status != execution.StatusInterrupted {
		// Duplicate delivery, or the execution was cancelled while queued.
		return nil
	}

	wf, plan, err := e.prepare(ctx, rec)
	if err != nil {
		e.failBefore(ctx, rec, err)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.d.track(rec.ID, cancel)
	defer e.d.untrack(rec.ID)

	done, runErr := e.executor.ResumeRun(runCtx, plan, rec.ID, exec.Resume{
		UserInput:    rp.UserInput,
		HasUserInput: rp.HasUserInput,
		ChildNodeID:  rp.ChildNodeID,
		ChildOutput:  rp.ChildOutput,
	})
	if done.ID == "" && runErr != nil {
		// The resume never restarted: missing checkpoint or store outage.
		// The record stays interrupted and remains operator-resumable.
		e.log.Error(ctx, "engine: resume did not restart",
			"execution_id", rec.ID, "err", runErr)
		return nil
	}
	e.settle(ctx, wf, done, runErr)
	return nil
}

// prepare loads the workflow snapshot and compiles the trigger-scoped plan.
func (e *Engine) prepare(ctx context.Context, rec execution.Record) (*workflow.Workflow, *compile.Plan, error) {
	wf, err := e.d.activeBySlug(ctx, rec.WorkflowSlug)
	if err != nil {
		return nil, nil, err
	}
	plan, err := compile.Compile(ctx, e.d.reg, e.creds, wf, rec.TriggerNode)
	if err != nil {
		return nil, nil, err
	}
	return wf, plan, nil
}

// failBefore settles a record that never reached the executor: the workflow
// disappeared or the plan did not build.
func (e *Engine) failBefore(ctx context.Context, rec execution.Record, cause error) {
	code := faults.CodeOf(cause)
	if code == "" {
		code = string(faults.KindOf(cause))
	}
	failed, err := e.execs.Transition(ctx, rec.ID, execution.Transition{
		From:      rec.Status,
		To:        execution.StatusFailed,
		Error:     cause.Error(),
		ErrorCode: code,
	})
	if err != nil {
		e.log.Error(ctx, "engine: fail transition lost",
			"execution_id", rec.ID, "err", err, "cause", cause)
		return
	}
	e.metrics.IncCounter(telemetry.MetricExecutions, 1, "status", "failed")
	e.publish(ctx, stream.NewExecutionFailed(failed.ID, failed.WorkflowSlug, stream.ExecutionFailedPayload{
		ExecutionID: failed.ID,
		Error:       failed.Error,
		ErrorCode:   failed.ErrorCode,
	}))
	e.log.Warn(ctx, "engine: execution failed before run",
		"execution_id", rec.ID, "workflow", rec.WorkflowSlug, "err", cause)
}

// settle reacts to a finished drive: completed children resume their parent,
// failures fan out to error triggers and propagate to waiting parents.
func (e *Engine) settle(ctx context.Context, wf *workflow.Workflow, rec execution.Record, runErr error) {
	if rec.ID == "" {
		return
	}
	switch rec.Status {
	case execution.StatusCompleted:
		if rec.ParentExecutionID != "" {
			e.notifyParent(ctx, rec)
		}
	case execution.StatusFailed:
		var ne *exec.NodeError
		if errors.As(runErr, &ne) {
			e.spawnErrorShadow(ctx, wf, rec, ne)
		}
		if rec.ParentExecutionID != "" {
			e.failParent(ctx, rec)
		}
	case execution.StatusCancelled:
		if rec.ParentExecutionID != "" {
			e.failParent(ctx, rec)
		}
	}
}

// notifyParent enqueues the parent's resume with the child's final output.
func (e *Engine) notifyParent(ctx context.Context, child execution.Record) {
	err := e.d.resumeForChild(ctx, child.ParentExecutionID, child.ParentNodeID, child.FinalOutput, child.ID)
	if err != nil {
		e.log.Error(ctx, "engine: parent resume enqueue failed",
			"execution_id", child.ParentExecutionID, "child_id", child.ID, "err", err)
		return
	}
	e.log.Info(ctx, "engine: child completed, parent resume enqueued",
		"execution_id", child.ParentExecutionID, "child_id", child.ID,
		"node_id", child.ParentNodeID)
}

// failParent surfaces a child's failure or cancellation on the parent's
// sub-workflow node and fails the parent execution.
func (e *Engine) failParent(ctx context.Context, child execution.Record) {
	msg := fmt.Sprintf("node %s: child execution %s %s", child.ParentNodeID, child.ID, child.Status)
	if child.Error != "" {
		msg += ": " + child.Error
	}
	code := child.ErrorCode
	if code == "" {
		code = string(faults.KindNodeFailure)
	}
	parent, err := e.execs.Transition(ctx, child.ParentExecutionID, execution.Transition{
		From:      execution.StatusInterrupted,
		To:        execution.StatusFailed,
		Error:     msg,
		ErrorCode: code,
	})
	if errors.Is(err, execution.ErrConflict) {
		// The parent moved on its own, most likely cancelled.
		e.log.Info(ctx, "engine: parent already settled",
			"execution_id", child.ParentExecutionID, "child_id", child.ID)
		return
	}
	if err != nil {
		e.log.Error(ctx, "engine: parent fail transition lost",
			"execution_id", child.ParentExecutionID, "err", err)
		return
	}
	e.metrics.IncCounter(telemetry.MetricExecutions, 1, "status", "failed")
	e.publish(ctx, stream.NewNodeStatus(parent.ID, parent.WorkflowSlug, stream.NodeStatusPayload{
		NodeID:    child.ParentNodeID,
		Status:    string(nodelog.StatusFailed),
		Error:     msg,
		ErrorCode: code,
	}))
	e.publish(ctx, stream.NewExecutionFailed(parent.ID, parent.WorkflowSlug, stream.ExecutionFailedPayload{
		ExecutionID: parent.ID,
		Error:       msg,
		ErrorCode:   code,
	}))

	// The parent's own error trigger gets its turn too.
	pwf, lerr := e.d.activeBySlug(ctx, parent.WorkflowSlug)
	if lerr != nil {
		return
	}
	e.spawnErrorShadow(ctx, pwf, parent, &exec.NodeError{
		NodeID:   child.ParentNodeID,
		NodeType: nodeType(pwf, child.ParentNodeID),
		Err:      errors.New(msg),
	})
}

// spawnErrorShadow dispatches the workflow's error trigger with the failure
// payload. Shadow executions are terminal: one whose own trigger is the error
// trigger never spawns another.
func (e *Engine) spawnErrorShadow(ctx context.Context, wf *workflow.Workflow, rec execution.Record, ne *exec.NodeError) {
	if wf == nil || e.errorTriggered(wf, rec.TriggerNode) {
		return
	}
	evt := triggers.ErrorRaised(ne.NodeID, ne.NodeType, rec.ID, ne.Err.Error(), rec.ErrorCode, e.now())
	shadowID, err := e.d.dispatchShadow(ctx, wf, rec, evt)
	if errors.Is(err, triggers.ErrNoMatch) {
		return
	}
	if err != nil {
		e.log.Error(ctx, "engine: error shadow dispatch failed",
			"execution_id", rec.ID, "err", err)
		return
	}
	e.log.Info(ctx, "engine: error shadow spawned",
		"execution_id", rec.ID, "shadow_id", shadowID, "node_id", ne.NodeID)
}

// errorTriggered reports whether the execution's own trigger is an error
// trigger.
func (e *Engine) errorTriggered(wf *workflow.Workflow, triggerNode string) bool {
	for _, n := range wf.Nodes {
		if n.ID != triggerNode {
			continue
		}
		def, ok := e.d.reg.Lookup(n.Type)
		return ok && def.TriggerKind == string(triggers.KindError)
	}
	return false
}

// nodeType looks a node's component type up in the snapshot.
func nodeType(wf *workflow.Workflow, nodeID string) string {
	for _, n := range wf.Nodes {
		if n.ID == nodeID {
			return n.Type
		}
	}
	return ""
}

// OnSuspend implements exec.Suspender. It runs after the record is
// interrupted and the snapshot persisted; whatever it schedules is what later
// resumes the execution. Returning an error fails the parked execution.
func (e *Engine) OnSuspend(ctx context.Context, rec execution.Record, info exec.SuspendInfo) error {
	switch info.Reason {
	case string(node.SuspendChild):
		limit := e.executor.MaxDepth()
		if rec.Depth+1 > limit {
			return faults.Newf(faults.KindNodeFailure,
				"node %s: sub-workflow nesting depth %d exceeds limit %d",
				info.NodeID, rec.Depth+1, limit).WithCode("SUBWORKFLOW_DEPTH")
		}
		childID, err := e.d.dispatchChild(ctx, rec, info)
		if err != nil {
			return faults.Wrap(faults.KindNodeFailure,
				fmt.Sprintf("node %s: spawn child workflow %q", info.NodeID, info.ChildWorkflow),
				err).WithCode("SUBWORKFLOW_SPAWN")
		}
		e.log.Info(ctx, "engine: child execution spawned",
			"execution_id", rec.ID, "child_id", childID,
			"workflow", info.ChildWorkflow, "node_id", info.NodeID)
	case string(node.SuspendDelay):
		if err := e.d.resumeAfterDelay(ctx, rec.ID, info.Delay); err != nil {
			return fmt.Errorf("schedule delayed resume for %s: %w", rec.ID, err)
		}
		e.log.Info(ctx, "engine: delayed resume scheduled",
			"execution_id", rec.ID, "node_id", info.NodeID, "delay", info.Delay)
	default:
		// Human input and interrupt-flag parks wait for ResumeExecution.
	}
	return nil
}

// SweepZombies promotes running executions whose liveness signal is older
// than the threshold to failed. It returns how many records it moved.
func (e *Engine) SweepZombies(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.zombieAfter)
	stale, err := e.execs.ListByStatus(ctx, execution.StatusRunning, cutoff)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, rec := range stale {
		fault := faults.Newf(faults.KindZombie,
			"execution %s stalled: no liveness signal since %s",
			rec.ID, rec.UpdatedAt.UTC().Format(time.RFC3339))
		failed, err := e.execs.Transition(ctx, rec.ID, execution.Transition{
			From:      execution.StatusRunning,
			To:        execution.StatusFailed,
			Error:     fault.Error(),
			ErrorCode: string(faults.KindZombie),
		})
		if errors.Is(err, execution.ErrConflict) {
			// Woke up between the scan and the CAS.
			continue
		}
		if err != nil {
			return promoted, err
		}
		promoted++
		e.metrics.IncCounter(telemetry.MetricZombies, 1)
		e.publish(ctx, stream.NewExecutionFailed(failed.ID, failed.WorkflowSlug, stream.ExecutionFailedPayload{
			ExecutionID: failed.ID,
			Error:       failed.Error,
			ErrorCode:   failed.ErrorCode,
		}))
		e.log.Warn(ctx, "engine: zombie execution promoted to failed",
			"execution_id", rec.ID, "updated_at", rec.UpdatedAt)
	}
	return promoted, nil
}

// RunZombieSweeper scans on the configured interval until ctx is cancelled.
// Callers run it on its own goroutine.
func (e *Engine) RunZombieSweeper(ctx context.Context) {
	t := time.NewTicker(e.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := e.SweepZombies(ctx); err != nil {
				e.log.Error(ctx, "engine: zombie sweep failed", "err", err)
			}
		}
	}
}

func (e *Engine) publish(ctx context.Context, evt hooks.Event) {
	if e.bus != nil {
		e.bus.Publish(ctx, evt)
	}
}
