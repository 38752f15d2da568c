// Package node defines the contract between the engine and node behaviors.
// Component builders registered with the workflow registry produce Runnables;
// the executor invokes them with resolved configuration and a read-only view
// of execution state. All control-flow variation (routes, suspension, delays)
// is expressed through the tagged Result rather than reserved keys in a
// free-form map, so the executor's state merge is a total, explicit function.
package node

import (
	"context"
	"time"
)

type (
	// Message is one entry in a conversation transcript. Messages flow between
	// nodes over MESSAGES ports and accumulate on the execution state.
	Message struct {
		// Role identifies the author: system, user, assistant or tool.
		Role string `json:"role"`
		// Content is the message text.
		Content string `json:"content"`
	}

	// TokenUsage reports model consumption for a single node run. Costs are
	// tracked in micro-dollars so budget arithmetic stays exact.
	TokenUsage struct {
		// InputTokens counts prompt-side tokens.
		InputTokens int64 `json:"input_tokens"`
		// OutputTokens counts completion-side tokens.
		OutputTokens int64 `json:"output_tokens"`
		// CostMicroUSD is the charge in millionths of a US dollar.
		CostMicroUSD int64 `json:"cost_micro_usd"`
	}

	// StateView is the read-only window a runnable gets onto execution state.
	// Implementations are owned by the executor; runnables must not retain the
	// view past their Run call.
	StateView interface {
		// Get returns the value stored under key at the state root.
		Get(key string) (any, bool)
		// NodeOutput returns the visible outputs recorded for nodeID.
		NodeOutput(nodeID string) (map[string]any, bool)
		// Route returns the last emitted route, or "".
		Route() string
		// Messages returns the accumulated conversation transcript.
		Messages() []Message
		// Data returns the raw state root for template and expression
		// evaluation. Callers must treat the returned map as immutable.
		Data() map[string]any
	}

	// Input carries everything a runnable may consult. Cancellation arrives
	// through the context passed to Run.
	Input struct {
		// ExecutionID identifies the running execution.
		ExecutionID string
		// NodeID identifies the node being run.
		NodeID string
		// Config holds the node configuration with all templated fields
		// resolved against the current state.
		Config map[string]any
		// State is the read-only view of execution state.
		State StateView
	}

	// Result is what a runnable returns on success. Zero-value fields are
	// simply not applied; a Result with only Outputs set is the common case.
	Result struct {
		// Outputs are the node's visible outputs. Keys starting with an
		// underscore are reserved and stripped from the public view.
		Outputs map[string]any
		// Route selects among outgoing conditional edges when non-empty.
		Route string
		// RouteSet distinguishes "no route emitted" from an explicit empty
		// route, which prunes every conditional branch.
		RouteSet bool
		// Messages are appended to the execution transcript.
		Messages []Message
		// StatePatch is merged into the state root.
		StatePatch map[string]any
		// Usage reports token consumption for cost accounting.
		Usage *TokenUsage
		// Suspend, when non-nil, tells the executor to checkpoint and stop.
		Suspend *Suspend
	}

	// SuspendReason names why an execution parked.
	SuspendReason string

	// Suspend is the sentinel a runnable returns to park the execution. The
	// executor persists state and position, emits execution_interrupted and
	// transitions the record; the runnable is invoked again (or completed
	// directly, for delays) when the execution resumes.
	Suspend struct {
		// Reason is one of the suspend reasons below.
		Reason SuspendReason
		// Prompt is the resolved text shown to the user for input suspensions.
		Prompt string
		// ChildWorkflow is the slug of the workflow to run for child
		// suspensions.
		ChildWorkflow string
		// ChildPayload seeds the child execution's trigger payload.
		ChildPayload map[string]any
		// Delay is how long to park for timed suspensions.
		Delay time.Duration
	}

	// Runnable is the executable behavior of one node.
	Runnable interface {
		Run(ctx context.Context, in Input) (Result, error)
	}

	// RunnableFunc adapts a function to the Runnable interface.
	RunnableFunc func(ctx context.Context, in Input) (Result, error)
)

const (
	// SuspendInput parks the execution until a human supplies input.
	SuspendInput SuspendReason = "human_confirmation"
	// SuspendChild parks the execution until a child workflow completes.
	SuspendChild SuspendReason = "subworkflow"
	// SuspendDelay parks the execution for a fixed duration.
	SuspendDelay SuspendReason = "delay"
)

// Run implements Runnable.
func (f RunnableFunc) Run(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

// Outputs builds the common success result.
func Outputs(out map[string]any) Result {
	return Result{Outputs: out}
}

// RouteTo builds a route-emitting result. An empty route is explicit: it
// prunes all conditional descendants.
func RouteTo(route string, out map[string]any) Result {
	return Result{Outputs: out, Route: route, RouteSet: true}
}

// SuspendForInput builds the human-input suspension sentinel.
func SuspendForInput(prompt string) Result {
	return Result{Suspend: &Suspend{Reason: SuspendInput, Prompt: prompt}}
}

// SuspendForChild builds the child-workflow suspension sentinel.
func SuspendForChild(slug string, payload map[string]any) Result {
	return Result{Suspend: &Suspend{Reason: SuspendChild, ChildWorkflow: slug, ChildPayload: payload}}
}

// Delay builds the timed suspension sentinel.
func Delay(d time.Duration) Result {
	return Result{Suspend: &Suspend{Reason: SuspendDelay, Delay: d}}
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostMicroUSD += other.CostMicroUSD
}

// MicroUSD converts a dollar amount to micro-dollars, rounding half away from
// zero.
func MicroUSD(usd float64) int64 {
	if usd >= 0 {
		return int64(usd*1e6 + 0.5)
	}
	return int64(usd*1e6 - 0.5)
}

// UsageFromMap decodes the wire form {input, output, cost_usd} emitted by
// runnables that assemble raw maps. Unknown keys are ignored; absent keys
// read as zero.
func UsageFromMap(m map[string]any) TokenUsage {
	var u TokenUsage
	if m == nil {
		return u
	}
	u.InputTokens = asInt64(m["input"])
	u.OutputTokens = asInt64(m["output"])
	if v, ok := m["cost_usd"]; ok {
		switch c := v.(type) {
		case float64:
			u.CostMicroUSD = MicroUSD(c)
		case float32:
			u.CostMicroUSD = MicroUSD(float64(c))
		case int:
			u.CostMicroUSD = MicroUSD(float64(c))
		case int64:
			u.CostMicroUSD = MicroUSD(float64(c))
		}
	}
	return u
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	}
	return 0
}
