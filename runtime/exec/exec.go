// Package exec drives compiled plans: topological waves with bounded
// concurrency inside one execution, route-based pruning, sequential loop
// frames, and suspension at sentinel boundaries with ephemeral checkpoints
// carrying state across the interrupt.
//
// The executor owns the execution's State and serializes all writes to it:
// wave-mates run concurrently but their results are applied one at a time in
// node id order after the wave joins, so "last writer wins" is deterministic.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pipelit.dev/pipelit/runtime/checkpoint"
	"pipelit.dev/pipelit/runtime/compile"
	"pipelit.dev/pipelit/runtime/costs"
	"pipelit.dev/pipelit/runtime/execution"
	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/hooks"
	"pipelit.dev/pipelit/runtime/nodelog"
	"pipelit.dev/pipelit/runtime/state"
	"pipelit.dev/pipelit/runtime/stream"
	"pipelit.dev/pipelit/runtime/telemetry"
	"pipelit.dev/pipelit/runtime/template"
)

// ReasonInterrupt is the interrupt reason recorded when an execution parks on
// an interrupt_before or interrupt_after flag rather than a suspend sentinel.
const ReasonInterrupt = "interrupt"

type (
	// Executor runs compiled plans against the persistence and event seams.
	Executor struct {
		execs       execution.Store
		logs        nodelog.Store
		checkpoints checkpoint.Store
		bus         *hooks.Bus
		accountant  *costs.Accountant
		suspender   Suspender
		resolver    *template.Resolver

		waveConcurrency int
		maxDepth        int
		grace           time.Duration
		log             telemetry.Logger
		metrics         telemetry.Metrics
		now             func() time.Time
	}

	// Option configures an Executor.
	Option func(*Executor)

	// Suspender reacts to executions parking at sentinels. Implementations
	// schedule the outside work a resumption depends on: spawning the child
	// execution of a sub-workflow node, enqueueing the delayed resume job,
	// notifying operators. OnSuspend runs after the record is interrupted and
	// the snapshot persisted; an error fails the execution.
	Suspender interface {
		OnSuspend(ctx context.Context, rec execution.Record, info SuspendInfo) error
	}

	// SuspenderFunc adapts a function to the Suspender interface.
	SuspenderFunc func(ctx context.Context, rec execution.Record, info SuspendInfo) error

	// SuspendInfo describes one parked node.
	SuspendInfo struct {
		// Reason is a node.SuspendReason, or ReasonInterrupt for flag parks.
		Reason string
		// NodeID is the node the execution parked on.
		NodeID string
		// Prompt is the resolved operator prompt for input suspensions.
		Prompt string
		// ChildWorkflow and ChildPayload describe the child execution to
		// spawn for sub-workflow suspensions.
		ChildWorkflow string
		ChildPayload  map[string]any
		// Delay is the park duration for timed suspensions.
		Delay time.Duration
	}

	// Resume carries the inputs injected when a parked execution restarts.
	Resume struct {
		// UserInput is the operator reply stored at _resume_input. HasUserInput
		// distinguishes an intentional empty reply from no reply.
		UserInput    string
		HasUserInput bool
		// ChildNodeID and ChildOutput inject a completed child workflow's
		// final output at _subworkflow_results[node].
		ChildNodeID string
		ChildOutput map[string]any
	}

	// NodeError reports which node failed an execution so trigger dispatch
	// can fan the failure out to an error-trigger subgraph.
	NodeError struct {
		NodeID   string
		NodeType string
		Err      error
	}
)

// OnSuspend implements Suspender.
func (f SuspenderFunc) OnSuspend(ctx context.Context, rec execution.Record, info SuspendInfo) error {
	return f(ctx, rec, info)
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.NodeType, e.Err)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *NodeError) Unwrap() error { return e.Err }

// WithWaveConcurrency bounds how many wave-mates run at once. Default 4.
func WithWaveConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.waveConcurrency = n
		}
	}
}

// WithMaxDepth bounds sub-workflow nesting. Default 8.
func WithMaxDepth(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// WithGrace sets how long cancellation waits for in-flight runnables before
// abandoning them. Default 5s.
func WithGrace(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithAccountant wires budget gating and usage charging.
func WithAccountant(a *costs.Accountant) Option {
	return func(e *Executor) { e.accountant = a }
}

// WithSuspender wires the suspension callback.
func WithSuspender(s Suspender) Option {
	return func(e *Executor) { e.suspender = s }
}

// WithExecLogger sets the structured logger.
func WithExecLogger(log telemetry.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithExecMetrics sets the metrics recorder.
func WithExecMetrics(m telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithClock injects a fake clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New constructs an Executor. The checkpoint store receives the ephemeral
// interrupt snapshots; durable conversation checkpoints live elsewhere.
func New(execs execution.Store, logs nodelog.Store, cps checkpoint.Store, bus *hooks.Bus, opts ...Option) *Executor {
	e := &Executor{
		execs:           execs,
		logs:            logs,
		checkpoints:     cps,
		bus:             bus,
		resolver:        template.NewResolver(),
		waveConcurrency: 4,
		maxDepth:        8,
		grace:           5 * time.Second,
		log:             telemetry.NewNoopLogger(),
		metrics:         telemetry.NewNoopMetrics(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxDepth exposes the configured sub-workflow nesting bound.
func (e *Executor) MaxDepth() int { return e.maxDepth }

// Run drives a fresh execution of plan. The record must exist in pending
// state; its trigger payload seeds the state. Run returns the terminal
// record and, for failures, the error that ended the run (a *NodeError when
// a node raised).
func (e *Executor) Run(ctx context.Context, plan *compile.Plan, executionID string) (execution.Record, error) {
	rec, err := e.execs.Transition(ctx, executionID, execution.Transition{
		From: execution.StatusPending,
		To:   execution.StatusRunning,
	})
	if err != nil {
		if errors.Is(err, execution.ErrConflict) {
			// Another worker claimed it, or it was cancelled before pickup.
			if cur, lerr := e.execs.Load(ctx, executionID); lerr == nil {
				return cur, nil
			}
		}
		return execution.Record{}, err
	}

	st := state.New(rec.TriggerPayload)
	if rec.UserContext != nil {
		st.SetUserContext(rec.UserContext)
	}
	return e.drive(ctx, plan, rec, st, nil)
}

// ResumeRun restarts an interrupted execution from its latest ephemeral
// checkpoint. A missing checkpoint fails the resume attempt and leaves the
// record interrupted; a corrupt blob transitions the record to failed with
// CHECKPOINT_CORRUPT, since the snapshot can never be read again.
func (e *Executor) ResumeRun(ctx context.Context, plan *compile.Plan, executionID string, in Resume) (execution.Record, error) {
	cp, err := e.checkpoints.Latest(ctx, checkpoint.ExecutionThreadID(executionID))
	if err != nil {
		return execution.Record{}, fmt.Errorf("resume %s: %w", executionID, err)
	}
	snap, err := decodeSnapshot(cp.Blob)
	if err != nil {
		fault := faults.Wrap(faults.KindCheckpointCorrupt, fmt.Sprintf("resume %s", executionID), err)
		rec, terr := e.execs.Transition(ctx, executionID, execution.Transition{
			From:      execution.StatusInterrupted,
			To:        execution.StatusFailed,
			Error:     fault.Error(),
			ErrorCode: string(faults.KindCheckpointCorrupt),
		})
		if terr == nil {
			e.publish(ctx, stream.NewExecutionFailed(rec.ID, rec.WorkflowSlug, stream.ExecutionFailedPayload{
				ExecutionID: rec.ID,
				Error:       fault.Error(),
				ErrorCode:   string(faults.KindCheckpointCorrupt),
			}))
		}
		return rec, fault
	}

	rec, err := e.execs.Transition(ctx, executionID, execution.Transition{
		From: execution.StatusInterrupted,
		To:   execution.StatusRunning,
	})
	if err != nil {
		return execution.Record{}, err
	}

	st := state.Restore(snap.State)
	if in.HasUserInput {
		st.SetResumeInput(in.UserInput)
	}
	if in.ChildNodeID != "" {
		st.SetSubworkflowResult(in.ChildNodeID, in.ChildOutput)
	}
	return e.drive(ctx, plan, rec, st, snap)
}

// drive walks the plan's waves and settles the record into a terminal or
// interrupted status.
func (e *Executor) drive(ctx context.Context, plan *compile.Plan, rec execution.Record, st *state.State, snap *snapshot) (execution.Record, error) {
	r := newRunner(e, plan, rec, st)
	var rp *resumePoint
	if snap != nil {
		rp = r.restore(snap)
	}

	started := e.now()
	err := r.runSegment(ctx, segment{from: 0, to: len(plan.Waves) - 1, member: r.topLevel}, rp)

	switch {
	case err == nil:
		final := r.finalOutput()
		done, terr := e.execs.Transition(ctx, rec.ID, execution.Transition{
			From:        execution.StatusRunning,
			To:          execution.StatusCompleted,
			FinalOutput: final,
		})
		if terr != nil {
			if errors.Is(terr, execution.ErrConflict) {
				// Cancellation raced the final wave; the cancel wins.
				if cur, lerr := e.execs.Load(ctx, rec.ID); lerr == nil {
					return cur, nil
				}
			}
			return rec, terr
		}
		e.metrics.IncCounter(telemetry.MetricExecutions, 1, "status", "completed")
		e.metrics.RecordTimer(telemetry.MetricExecutionDuration, e.now().Sub(started))
		e.publish(ctx, stream.NewExecutionCompleted(done.ID, done.WorkflowSlug, stream.ExecutionCompletedPayload{
			ExecutionID: done.ID,
			Status:      string(done.Status),
			DurationMS:  done.CompletedAt.Sub(done.StartedAt).Milliseconds(),
			FinalOutput: anyOrNil(final),
		}))
		return done, nil

	case errors.Is(err, errParked):
		parked, lerr := e.execs.Load(ctx, rec.ID)
		if lerr != nil {
			return rec, lerr
		}
		return parked, nil

	case errors.Is(err, errCancelled):
		cancelled, lerr := e.execs.Load(ctx, rec.ID)
		if lerr != nil {
			return rec, lerr
		}
		e.metrics.IncCounter(telemetry.MetricExecutions, 1, "status", "cancelled")
		return cancelled, nil

	default:
		code := faults.CodeOf(err)
		if code == "" {
			code = string(faults.KindOf(err))
		}
		failed, terr := e.execs.Transition(ctx, rec.ID, execution.Transition{
			From:      execution.StatusRunning,
			To:        execution.StatusFailed,
			Error:     err.Error(),
			ErrorCode: code,
		})
		if terr != nil {
			if errors.Is(terr, execution.ErrConflict) {
				// Cancellation raced the failure; the cancel wins.
				if cur, lerr := e.execs.Load(ctx, rec.ID); lerr == nil {
					return cur, err
				}
			}
			return rec, terr
		}
		e.metrics.IncCounter(telemetry.MetricExecutions, 1, "status", "failed")
		e.publish(ctx, stream.NewExecutionFailed(failed.ID, failed.WorkflowSlug, stream.ExecutionFailedPayload{
			ExecutionID: failed.ID,
			Error:       failed.Error,
			ErrorCode:   failed.ErrorCode,
		}))
		return failed, err
	}
}

func (e *Executor) publish(ctx context.Context, evt hooks.Event) {
	if e.bus != nil {
		e.bus.Publish(ctx, evt)
	}
}

// snapshot is the ephemeral checkpoint blob: the full state plus the wave
// position and control sets needed to re-enter the plan exactly where it
// parked.
type snapshot struct {
	State map[string]any `json:"state"`
	// Wave is the parked wave index; Phase is "run" (wave still to run,
	// minus DoneInWave) or "after" (wave done, interrupt_after pending).
	Wave       int      `json:"wave"`
	Phase      string   `json:"phase"`
	DoneInWave []string `json:"done_in_wave,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
	// Selected records each route emitter's chosen targets so conditional
	// liveness survives the park.
	Selected      map[string][]string `json:"selected,omitempty"`
	ClearedBefore []string            `json:"cleared_before,omitempty"`
	ClearedAfter  []string            `json:"cleared_after,omitempty"`
	// Frames is the active loop stack, outermost first.
	Frames []frameSnap `json:"frames,omitempty"`
	Reason string      `json:"reason"`
	// SuspendedNodes parked on sentinels; DelayNodes complete directly on
	// resume instead of being re-invoked.
	SuspendedNodes []string `json:"suspended_nodes,omitempty"`
	DelayNodes     []string `json:"delay_nodes,omitempty"`
}

type frameSnap struct {
	LoopID  string `json:"loop_id"`
	Items   []any  `json:"items"`
	Index   int    `json:"index"`
	Results []any  `json:"results"`
}

const snapshotSource = "interrupt"

func encodeSnapshot(s *snapshot) ([]byte, error) {
	return json.Marshal(s)
}

func decodeSnapshot(blob []byte) (*snapshot, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty checkpoint blob")
	}
	var s snapshot
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, err
	}
	if s.State == nil {
		return nil, errors.New("checkpoint blob has no state")
	}
	return &s, nil
}

// persistSnapshot appends one checkpoint to the execution's ephemeral thread.
func (e *Executor) persistSnapshot(ctx context.Context, executionID string, snap *snapshot) error {
	blob, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot for %s: %w", executionID, err)
	}
	threadID := checkpoint.ExecutionThreadID(executionID)
	step := 1
	parent := ""
	if prev, err := e.checkpoints.Latest(ctx, threadID); err == nil {
		step = prev.Step + 1
		parent = prev.ID
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		return err
	}
	cp := checkpoint.Checkpoint{
		ThreadID:  threadID,
		ID:        uuid.NewString(),
		ParentID:  parent,
		Step:      step,
		Source:    snapshotSource,
		Blob:      blob,
		CreatedAt: e.now().UTC(),
	}
	if err := e.checkpoints.Save(ctx, cp); err != nil {
		return err
	}
	e.metrics.IncCounter(telemetry.MetricCheckpoints, 1, "source", snapshotSource)
	return nil
}

func anyOrNil(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
