// Package dispatch turns resolved trigger events into queued executions and
// owns the operator surface around them: direct chat dispatch with a blocking
// wait for the final output, cancellation, resumption of interrupted
// executions and scheduled-job recovery. The Engine in this package consumes
// the queue, compiles workflows and drives the executor.
//
// Dispatch and execution communicate only through the execution store, the
// job queue and the event bus, so producers and workers can live in different
// processes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pipelit.dev/pipelit/runtime/exec"
	"pipelit.dev/pipelit/runtime/execution"
	"pipelit.dev/pipelit/runtime/hooks"
	"pipelit.dev/pipelit/runtime/queue"
	"pipelit.dev/pipelit/runtime/scheduler"
	"pipelit.dev/pipelit/runtime/stream"
	"pipelit.dev/pipelit/runtime/telemetry"
	"pipelit.dev/pipelit/runtime/triggers"
	"pipelit.dev/pipelit/runtime/workflow"
)

// DefaultQueue is the queue executions are enqueued on.
const DefaultQueue = "executions"

// Queue job kinds consumed by the Engine.
const (
	// KindRun starts a fresh pending execution.
	KindRun = "execution.run"
	// KindResume restarts an interrupted execution from its checkpoint.
	KindResume = "execution.resume"
)

// DefaultChatTimeout bounds how long a chat dispatch waits for the final
// output before giving up on the caller's behalf.
const DefaultChatTimeout = 2 * time.Minute

type (
	// Source supplies the active workflow snapshots dispatch resolves
	// against and the Engine compiles. Implementations return fresh copies
	// or immutable snapshots; dispatch never mutates them.
	Source interface {
		// Active lists active workflows in priority order.
		Active(ctx context.Context) ([]*workflow.Workflow, error)
	}

	// StaticSource serves a fixed workflow set. Used by tests and
	// single-file CLI runs.
	StaticSource []*workflow.Workflow

	// Dispatcher creates execution records and enqueues them. It also
	// implements the scheduler's dispatch surface so scheduled fires flow
	// through the same path as every other trigger.
	Dispatcher struct {
		reg    *workflow.Registry
		source Source
		execs  execution.Store
		queue  queue.Queue
		bus    *hooks.Bus
		sched  *scheduler.Scheduler

		queueName   string
		chatTimeout time.Duration
		log         telemetry.Logger
		metrics     telemetry.Metrics
		now         func() time.Time

		// mu guards cancels, the cooperative cancellation registry fed by
		// workers on this process.
		mu      sync.Mutex
		cancels map[string]context.CancelFunc
	}

	// Option configures a Dispatcher.
	Option func(*Dispatcher)

	// RunPayload is the queue job body for starting an execution.
	RunPayload struct {
		ExecutionID string `json:"execution_id"`
	}

	// ResumePayload is the queue job body for resuming an interrupted
	// execution. Exactly one input family is populated: the operator reply,
	// the completed child's output, or neither for a delay wake-up.
	ResumePayload struct {
		ExecutionID  string         `json:"execution_id"`
		UserInput    string         `json:"user_input,omitempty"`
		HasUserInput bool           `json:"has_user_input,omitempty"`
		ChildNodeID  string         `json:"child_node_id,omitempty"`
		ChildOutput  map[string]any `json:"child_output,omitempty"`
	}
)

// The scheduler fires through the same dispatch path as every other trigger.
var _ scheduler.Dispatcher = (*Dispatcher)(nil)

// Active implements Source. Inactive entries are filtered out.
func (s StaticSource) Active(ctx context.Context) ([]*workflow.Workflow, error) {
	out := make([]*workflow.Workflow, 0, len(s))
	for _, wf := range s {
		if wf.Active {
			out = append(out, wf)
		}
	}
	return out, nil
}

// WithQueueName overrides the queue executions are enqueued on.
func WithQueueName(name string) Option {
	return func(d *Dispatcher) { d.queueName = name }
}

// WithScheduler wires the scheduler so RecoverScheduledJobs can delegate to
// it at startup.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(d *Dispatcher) { d.sched = s }
}

// WithChatTimeout bounds the blocking wait of DispatchChat.
func WithChatTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.chatTimeout = t
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log telemetry.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock injects a fake clock for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New constructs a Dispatcher over the component registry, the workflow
// source, the execution store, the job queue and the event bus.
func New(reg *workflow.Registry, source Source, execs execution.Store, q queue.Queue, bus *hooks.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:         reg,
		source:      source,
		execs:       execs,
		queue:       q,
		bus:         bus,
		queueName:   DefaultQueue,
		chatTimeout: DefaultChatTimeout,
		log:         telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		now:         time.Now,
		cancels:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunKey returns the deterministic queue job id for starting an execution.
// The queue's dedupe rule makes enqueueing the same pending execution twice a
// no-op.
func RunKey(executionID string) string { return "exec-run-" + executionID }

// ResumeKey returns the deterministic queue job id for an operator resume.
func ResumeKey(executionID string) string { return "exec-resume-" + executionID }

// delayKey is the job id for a delay node's wake-up. One per execution: an
// execution parks on at most one delay at a time.
func delayKey(executionID string) string { return "exec-delay-" + executionID }

// childKey is the job id for a parent resume driven by child completion.
func childKey(childExecutionID string) string { return "exec-child-" + childExecutionID }

// DispatchEvent resolves an inbound trigger event, creates a pending
// execution record and enqueues it. Chat events bypass resolution and bind
// directly against the named workflow's chat trigger. The new execution id is
// returned; the caller observes progress through the event bus.
func (d *Dispatcher) DispatchEvent(ctx context.Context, evt triggers.Event) (string, error) {
	var (
		binding *triggers.Binding
		err     error
	)
	if evt.Kind == triggers.KindChat {
		binding, err = d.chatBinding(ctx, evt)
	} else {
		var active []*workflow.Workflow
		active, err = d.source.Active(ctx)
		if err == nil {
			binding, err = triggers.Resolve(d.reg, active, evt)
		}
	}
	if err != nil {
		return "", err
	}
	return d.start(ctx, d.newRecord(binding, evt))
}

// DispatchChat dispatches a chat event and blocks until the execution
// settles, returning the execution id and the final output. An execution that
// parks on a sentinel is reported as an error naming the interrupt reason;
// the caller resumes it via ResumeExecution.
func (d *Dispatcher) DispatchChat(ctx context.Context, evt triggers.Event) (string, map[string]any, error) {
	if evt.Kind != triggers.KindChat {
		return "", nil, fmt.Errorf("dispatch: DispatchChat requires a chat event, got %q", evt.Kind)
	}
	ctx, cancel := context.WithTimeout(ctx, d.chatTimeout)
	defer cancel()

	execID, err := d.DispatchEvent(ctx, evt)
	if err != nil {
		return "", nil, err
	}
	status, err := d.AwaitExecution(ctx, execID)
	if err != nil {
		return execID, nil, fmt.Errorf("dispatch: awaiting execution %s: %w", execID, err)
	}
	rec, err := d.execs.Load(ctx, execID)
	if err != nil {
		return execID, nil, err
	}
	switch status {
	case execution.StatusCompleted:
		return execID, rec.FinalOutput, nil
	case execution.StatusInterrupted:
		return execID, nil, fmt.Errorf("dispatch: execution %s interrupted (%s); resume it with user input", execID, rec.InterruptReason)
	case execution.StatusCancelled:
		return execID, nil, fmt.Errorf("dispatch: execution %s was cancelled", execID)
	default:
		return execID, nil, fmt.Errorf("dispatch: execution %s failed: %s", execID, rec.Error)
	}
}

// AwaitExecution blocks until the execution settles into a terminal or
// interrupted status. It subscribes before checking the record so a fast
// execution cannot slip between the check and the wait.
func (d *Dispatcher) AwaitExecution(ctx context.Context, executionID string) (execution.Status, error) {
	sub := d.bus.Subscribe(hooks.ExecutionChannel(executionID))
	defer sub.Close()

	rec, err := d.execs.Load(ctx, executionID)
	if err != nil {
		return "", err
	}
	if rec.Status.Terminal() || rec.Status == execution.StatusInterrupted {
		return rec.Status, nil
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case evt, ok := <-sub.C():
			if !ok {
				return "", errors.New("dispatch: event bus closed")
			}
			se, ok := evt.(stream.Event)
			if !ok {
				continue
			}
			switch se.Type() {
			case stream.EventExecutionCompleted:
				return execution.StatusCompleted, nil
			case stream.EventExecutionFailed:
				return execution.StatusFailed, nil
			case stream.EventExecutionCancelled:
				return execution.StatusCancelled, nil
			case stream.EventExecutionInterrupted:
				return execution.StatusInterrupted, nil
			}
		}
	}
}

// CancelExecution stops an execution: pending records are cancelled in place,
// running ones get a cooperative signal after the optimistic transition,
// interrupted ones are closed out and their queued resume jobs withdrawn.
// Cancelling a terminal execution is an error.
func (d *Dispatcher) CancelExecution(ctx context.Context, executionID string) error {
	rec, err := d.execs.Load(ctx, executionID)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < 2; attempt++ {
		if rec.Status.Terminal() {
			return fmt.Errorf("dispatch: execution %s is already %s", executionID, rec.Status)
		}
		cancelled, err := d.execs.Transition(ctx, executionID, execution.Transition{
			From: rec.Status,
			To:   execution.StatusCancelled,
		})
		if errors.Is(err, execution.ErrConflict) {
			// A worker moved the record between load and CAS. Reload and
			// try once more from the new status.
			if rec, err = d.execs.Load(ctx, executionID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		d.withdraw(ctx, executionID)
		d.signalCancel(executionID)
		d.publish(ctx, stream.NewExecutionCancelled(cancelled.ID, cancelled.WorkflowSlug))
		d.metrics.IncCounter(telemetry.MetricExecutions, 1, "status", "cancelled")
		d.log.Info(ctx, "dispatch: execution cancelled",
			"execution_id", executionID, "was", string(rec.Status))
		return nil
	}
	return fmt.Errorf("dispatch: cancel %s lost the status race", executionID)
}

// ResumeExecution enqueues a resume for an interrupted execution carrying the
// operator's reply. An empty reply is still a reply; suspended confirm nodes
// treat it as a decline.
func (d *Dispatcher) ResumeExecution(ctx context.Context, executionID, userInput string) error {
	rec, err := d.execs.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if rec.Status != execution.StatusInterrupted {
		return fmt.Errorf("dispatch: execution %s is %s, not interrupted", executionID, rec.Status)
	}
	job, err := queue.NewJob(KindResume, ResumePayload{
		ExecutionID:  executionID,
		UserInput:    userInput,
		HasUserInput: true,
	})
	if err != nil {
		return err
	}
	job.ID = ResumeKey(executionID)
	if _, err := d.queue.Enqueue(ctx, d.queueName, job); err != nil {
		return err
	}
	d.log.Info(ctx, "dispatch: resume enqueued",
		"execution_id", executionID, "reason", rec.InterruptReason)
	return nil
}

// RecoverScheduledJobs re-enqueues occurrences for active scheduled jobs
// after a restart. It requires a scheduler wired via WithScheduler.
func (d *Dispatcher) RecoverScheduledJobs(ctx context.Context) (int, error) {
	if d.sched == nil {
		return 0, errors.New("dispatch: no scheduler configured")
	}
	return d.sched.Recover(ctx)
}

// chatBinding binds a chat event against the named workflow. The event may
// pin an explicit trigger node; otherwise the workflow's first chat trigger
// accepts it.
func (d *Dispatcher) chatBinding(ctx context.Context, evt triggers.Event) (*triggers.Binding, error) {
	wf, err := d.activeBySlug(ctx, evt.WorkflowSlug())
	if err != nil {
		return nil, err
	}
	hint := evt.TriggerNodeID()
	for _, n := range wf.Nodes {
		def, ok := d.reg.Lookup(n.Type)
		if !ok || !def.Trigger {
			continue
		}
		if hint != "" {
			if n.ID == hint {
				return &triggers.Binding{Workflow: wf, NodeID: n.ID}, nil
			}
			continue
		}
		if def.TriggerKind == string(triggers.KindChat) {
			return &triggers.Binding{Workflow: wf, NodeID: n.ID}, nil
		}
	}
	if hint != "" {
		return nil, fmt.Errorf("dispatch: workflow %q has no trigger node %q", wf.Slug, hint)
	}
	return nil, fmt.Errorf("dispatch: workflow %q has no chat trigger", wf.Slug)
}

// activeBySlug finds an active workflow by slug.
func (d *Dispatcher) activeBySlug(ctx context.Context, slug string) (*workflow.Workflow, error) {
	if slug == "" {
		return nil, errors.New("dispatch: workflow slug is required")
	}
	active, err := d.source.Active(ctx)
	if err != nil {
		return nil, err
	}
	for _, wf := range active {
		if wf.Active && wf.Slug == slug {
			return wf, nil
		}
	}
	return nil, fmt.Errorf("dispatch: no active workflow with slug %q", slug)
}

// newRecord builds the pending record for a resolved binding.
func (d *Dispatcher) newRecord(b *triggers.Binding, evt triggers.Event) execution.Record {
	now := d.now().UTC()
	epicID, _ := evt.Payload["epic_id"].(string)
	return execution.Record{
		ID:             uuid.NewString(),
		WorkflowID:     b.Workflow.ID,
		WorkflowSlug:   b.Workflow.Slug,
		TriggerNode:    b.NodeID,
		Status:         execution.StatusPending,
		TriggerPayload: evt.Payload,
		UserContext:    userContext(evt),
		EpicID:         epicID,
		CorrelationID:  evt.CorrelationID(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// userContext derives caller identity from the event for checkpoint thread
// ids. Only telegram events carry one today.
func userContext(evt triggers.Event) map[string]any {
	if evt.Kind != triggers.KindTelegramMessage {
		return nil
	}
	return map[string]any{
		"user_id": evt.Payload["user_id"],
		"chat_id": evt.Payload["chat_id"],
		"channel": "telegram",
	}
}

// start persists the pending record and enqueues its run job.
func (d *Dispatcher) start(ctx context.Context, rec execution.Record) (string, error) {
	if err := d.execs.Create(ctx, rec); err != nil {
		return "", err
	}
	job, err := queue.NewJob(KindRun, RunPayload{ExecutionID: rec.ID})
	if err != nil {
		return "", err
	}
	job.ID = RunKey(rec.ID)
	if _, err := d.queue.Enqueue(ctx, d.queueName, job); err != nil {
		return "", err
	}
	d.metrics.IncCounter(telemetry.MetricExecutions, 1, "status", "dispatched")
	d.log.Info(ctx, "dispatch: execution enqueued",
		"execution_id", rec.ID, "workflow", rec.WorkflowSlug, "trigger_node", rec.TriggerNode)
	return rec.ID, nil
}

// dispatchChild creates and enqueues the child execution of a sub-workflow
// suspension. The child inherits the parent's user context and epic, and its
// depth counts up from the parent's.
func (d *Dispatcher) dispatchChild(ctx context.Context, parent execution.Record, info exec.SuspendInfo) (string, error) {
	wf, err := d.activeBySlug(ctx, info.ChildWorkflow)
	if err != nil {
		return "", err
	}
	nodeID := childTrigger(d.reg, wf)
	if nodeID == "" {
		return "", fmt.Errorf("dispatch: workflow %q has no trigger node to start from", wf.Slug)
	}
	now := d.now().UTC()
	payload := info.ChildPayload
	if payload == nil {
		payload = map[string]any{}
	}
	rec := execution.Record{
		ID:                uuid.NewString(),
		WorkflowID:        wf.ID,
		WorkflowSlug:      wf.Slug,
		TriggerNode:       nodeID,
		Status:            execution.StatusPending,
		TriggerPayload:    payload,
		UserContext:       parent.UserContext,
		EpicID:            parent.EpicID,
		ParentExecutionID: parent.ID,
		ParentNodeID:      info.NodeID,
		Depth:             parent.Depth + 1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return d.start(ctx, rec)
}

// dispatchShadow spawns the error-trigger execution for a failed one,
// resolving the error event against the failing workflow only.
func (d *Dispatcher) dispatchShadow(ctx context.Context, wf *workflow.Workflow, failed execution.Record, evt triggers.Event) (string, error) {
	binding, err := triggers.Resolve(d.reg, []*workflow.Workflow{wf}, evt)
	if err != nil {
		return "", err
	}
	rec := d.newRecord(binding, evt)
	rec.UserContext = failed.UserContext
	rec.EpicID = failed.EpicID
	return d.start(ctx, rec)
}

// resumeForChild enqueues the parent resume carrying a completed child's
// final output. The job id derives from the child so a redelivered completion
// enqueues at most once.
func (d *Dispatcher) resumeForChild(ctx context.Context, parentID, parentNodeID string, output map[string]any, childID string) error {
	job, err := queue.NewJob(KindResume, ResumePayload{
		ExecutionID: parentID,
		ChildNodeID: parentNodeID,
		ChildOutput: output,
	})
	if err != nil {
		return err
	}
	job.ID = childKey(childID)
	_, err = d.queue.Enqueue(ctx, d.queueName, job)
	return err
}

// resumeAfterDelay enqueues the wake-up for a delay suspension.
func (d *Dispatcher) resumeAfterDelay(ctx context.Context, executionID string, delay time.Duration) error {
	job, err := queue.NewJob(KindResume, ResumePayload{ExecutionID: executionID})
	if err != nil {
		return err
	}
	job.ID = delayKey(executionID)
	_, err = d.queue.EnqueueIn(ctx, d.queueName, delay, job)
	return err
}

// withdraw cancels an execution's queued jobs best-effort. A job that slips
// through is rejected by the worker's status check.
func (d *Dispatcher) withdraw(ctx context.Context, executionID string) {
	for _, id := range []string{RunKey(executionID), ResumeKey(executionID), delayKey(executionID)} {
		if _, err := d.queue.Cancel(ctx, id); err != nil {
			d.log.Warn(ctx, "dispatch: withdraw queued job failed",
				"execution_id", executionID, "job_id", id, "err", err)
		}
	}
}

// track registers the cooperative cancel for a worker-owned execution.
func (d *Dispatcher) track(executionID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.cancels[executionID] = cancel
	d.mu.Unlock()
}

// untrack removes and fires the registered cancel, releasing its context.
func (d *Dispatcher) untrack(executionID string) {
	d.mu.Lock()
	cancel := d.cancels[executionID]
	delete(d.cancels, executionID)
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// signalCancel fires the cancel for an execution running on this process, if
// any. Executions on other workers notice the record transition at their next
// wave boundary.
func (d *Dispatcher) signalCancel(executionID string) {
	d.mu.Lock()
	cancel := d.cancels[executionID]
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Dispatcher) publish(ctx context.Context, evt hooks.Event) {
	if d.bus != nil {
		d.bus.Publish(ctx, evt)
	}
}

// childTrigger picks the node a child execution starts from: the workflow
// trigger if the graph has one, else its first trigger of any kind.
func childTrigger(reg *workflow.Registry, wf *workflow.Workflow) string {
	first := ""
	for _, n := range wf.Nodes {
		def, ok := reg.Lookup(n.Type)
		if !ok || !def.Trigger {
			continue
		}
		if def.TriggerKind == string(triggers.KindWorkflow) {
			return n.ID
		}
		if first == "" {
			first = n.ID
		}
	}
	return first
}
