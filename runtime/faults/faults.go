// Package faults provides the structured error taxonomy shared by the whole
// engine. A Fault carries a Kind (the coarse failure class persisted on
// execution records and surfaced to clients), an optional machine Code chosen
// by the failing component, and a human-readable message. Faults preserve
// cause chains and support errors.Is/As.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Build kinds are raised at compile time and fail
// the execution before any node runs; the remaining kinds are raised while an
// execution is live.
type Kind string

const (
	// KindBrokenInput marks a graph whose required input ports are not
	// connected, or whose waves place two route emitters side by side.
	KindBrokenInput Kind = "BUILD_BROKEN_INPUT"
	// KindMissingCapability marks a node missing a required capability
	// binding, such as an agent node with no model edge.
	KindMissingCapability Kind = "BUILD_MISSING_CAPABILITY"
	// KindCyclicGraph marks a data-edge cycle that is not expressed through
	// loop constructs.
	KindCyclicGraph Kind = "BUILD_CYCLIC_GRAPH"
	// KindIncompatibleEdge marks an edge whose port types cannot be connected.
	KindIncompatibleEdge Kind = "BUILD_INCOMPATIBLE_EDGE"
	// KindNodeFailure marks a runnable that raised; Code carries the subtype
	// chosen by the runnable.
	KindNodeFailure Kind = "RUNTIME_NODE_FAILURE"
	// KindTemplateResolution marks a template that failed to render. Never
	// fatal outside strict mode; recorded for diagnostics only.
	KindTemplateResolution Kind = "TEMPLATE_RESOLUTION_FAILURE"
	// KindBudgetExceeded marks an execution aborted because its owning epic
	// ran out of budget.
	KindBudgetExceeded Kind = "BUDGET_EXCEEDED"
	// KindCancelled marks a user-initiated cancellation.
	KindCancelled Kind = "CANCELLED"
	// KindTimeout marks a node that exceeded its per-type timeout.
	KindTimeout Kind = "TIMEOUT"
	// KindZombie marks an execution promoted to failed by the background
	// sweeper after exceeding the liveness threshold.
	KindZombie Kind = "ZOMBIE"
	// KindCheckpointCorrupt marks a resume whose checkpoint blob could not be
	// decoded. The original run is unaffected.
	KindCheckpointCorrupt Kind = "CHECKPOINT_CORRUPT"
	// KindRetryExhausted marks a scheduled job that consumed its retry budget
	// and transitioned to dead.
	KindRetryExhausted Kind = "SCHEDULER_RETRY_EXHAUSTED"
)

// Fault is the structured error used across the engine. It implements error
// and unwraps to its cause so callers can use errors.Is/As on wrapped
// failures.
type Fault struct {
	// Kind is the coarse failure class.
	Kind Kind
	// Code is an optional machine-readable subtype (e.g. "RECURSION_LIMIT"
	// inside RUNTIME_NODE_FAILURE). Empty when the kind says it all.
	Code string
	// Message is the human-readable summary.
	Message string
	// Cause links to the underlying error, if any.
	Cause error
}

// New constructs a Fault of the given kind.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Newf constructs a Fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCode returns a copy of the fault carrying the machine code.
func (f *Fault) WithCode(code string) *Fault {
	c := *f
	c.Code = code
	return &c
}

// Wrap constructs a Fault that records err as its cause. A nil err yields a
// plain fault.
func Wrap(kind Kind, message string, err error) *Fault {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Fault{Kind: kind, Message: message, Cause: err}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	if f.Code != "" {
		return fmt.Sprintf("%s (%s): %s", f.Kind, f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the cause to support errors.Is/As.
func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// Is reports kind equality so sentinel faults can be matched with errors.Is.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if !errors.As(target, &other) {
		return false
	}
	return f != nil && other != nil && f.Kind == other.Kind
}

// KindOf extracts the Kind of err, walking the wrap chain. Returns empty when
// the chain holds no Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) && f != nil {
		return f.Kind
	}
	return ""
}

// CodeOf extracts the machine code of err, walking the wrap chain.
func CodeOf(err error) string {
	var f *Fault
	if errors.As(err, &f) && f != nil {
		return f.Code
	}
	return ""
}

// IsBuild reports whether the kind belongs to the compile-time family.
func (k Kind) IsBuild() bool {
	switch k {
	case KindBrokenInput, KindMissingCapability, KindCyclicGraph, KindIncompatibleEdge:
		return true
	}
	return false
}
