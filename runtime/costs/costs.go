// Package costs tracks token and money spend per execution and per epic, and
// gates node execution on epic budgets. Money is held in micro-dollars so
// accumulation stays exact; conversion to display dollars happens at the
// edges.
package costs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pipelit.dev/pipelit/runtime/execution"
	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/telemetry"
)

type (
	// Epic groups related executions under shared budgets. Nil budgets mean
	// unlimited; counters only ever grow.
	Epic struct {
		// ID is the stable epic identifier.
		ID string
		// Name is the display name.
		Name string
		// BudgetTokens caps total tokens across the epic's executions.
		BudgetTokens *int64
		// BudgetMicroUSD caps total spend in micro-dollars.
		BudgetMicroUSD *int64
		// SpentTokens and SpentMicroUSD accumulate reported usage.
		SpentTokens   int64
		SpentMicroUSD int64
		// Status is active until the epic is closed or its budget runs out.
		Status Status
		// CreatedAt and UpdatedAt are bookkeeping timestamps in UTC.
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Status is the epic lifecycle state.
	Status string

	// Store persists epics. Implementations serialize counter updates.
	Store interface {
		// Create stores a new epic. Status defaults to active.
		Create(ctx context.Context, epic *Epic) error

		// Load returns the epic by ID.
		Load(ctx context.Context, id string) (*Epic, error)

		// AddSpend accumulates usage counters and returns the updated epic.
		AddSpend(ctx context.Context, id string, tokens, microUSD int64) (*Epic, error)

		// SetStatus moves the epic to the given status.
		SetStatus(ctx context.Context, id string, status Status) error
	}
)

const (
	// StatusActive accepts new spend.
	StatusActive Status = "active"
	// StatusExhausted is set when a budget gate trips. Terminal.
	StatusExhausted Status = "exhausted"
	// StatusClosed is set by operators when the epic is finished. Terminal.
	StatusClosed Status = "closed"
)

// ErrNotFound is returned by stores when no epic has the given ID.
var ErrNotFound = errors.New("costs: epic not found")

// Exhausted reports whether any configured budget is used up. A budget
// counts as exhausted once spending reaches it, so the gate trips before the
// first node that would overshoot.
func (e *Epic) Exhausted() bool {
	if e.BudgetTokens != nil && *e.BudgetTokens > 0 && e.SpentTokens >= *e.BudgetTokens {
		return true
	}
	if e.BudgetMicroUSD != nil && *e.BudgetMicroUSD > 0 && e.SpentMicroUSD >= *e.BudgetMicroUSD {
		return true
	}
	return false
}

// Accountant applies node usage to execution and epic counters and enforces
// epic budgets.
type Accountant struct {
	epics   Store
	execs   execution.Store
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// AccountantOption configures an Accountant.
type AccountantOption func(*Accountant)

// WithLogger sets the accountant logger.
func WithLogger(l telemetry.Logger) AccountantOption {
	return func(a *Accountant) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics sets the accountant metrics recorder.
func WithMetrics(m telemetry.Metrics) AccountantOption {
	return func(a *Accountant) {
		if m != nil {
			a.metrics = m
		}
	}
}

// NewAccountant builds an accountant over the given stores. epics may be nil
// when the deployment runs without budgets; Charge then only updates the
// execution and Gate always passes.
func NewAccountant(epics Store, execs execution.Store, opts ...AccountantOption) *Accountant {
	a := &Accountant{
		epics:   epics,
		execs:   execs,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Charge records one node's usage on the execution and, when epicID is set,
// on its epic.
func (a *Accountant) Charge(ctx context.Context, executionID, epicID string, usage node.TokenUsage) error {
	tokens := usage.InputTokens + usage.OutputTokens
	if tokens == 0 && usage.CostMicroUSD == 0 {
		return nil
	}
	if err := a.execs.AddSpend(ctx, executionID, tokens, usage.CostMicroUSD); err != nil {
		return fmt.Errorf("charge execution %s: %w", executionID, err)
	}
	a.metrics.IncCounter(telemetry.MetricModelTokens, float64(usage.InputTokens), "direction", "input")
	a.metrics.IncCounter(telemetry.MetricModelTokens, float64(usage.OutputTokens), "direction", "output")
	if epicID == "" || a.epics == nil {
		return nil
	}
	epic, err := a.epics.AddSpend(ctx, epicID, tokens, usage.CostMicroUSD)
	if err != nil {
		return fmt.Errorf("charge epic %s: %w", epicID, err)
	}
	a.logger.Debug(ctx, "usage charged",
		"execution_id", executionID,
		"epic_id", epicID,
		"tokens", tokens,
		"micro_usd", usage.CostMicroUSD,
		"epic_spent_tokens", epic.SpentTokens,
	)
	return nil
}

// Gate fails with a budget fault when the epic's budget is used up. The
// first trip also transitions the epic to exhausted. Executions without an
// epic always pass.
func (a *Accountant) Gate(ctx context.Context, epicID string) error {
	if epicID == "" || a.epics == nil {
		return nil
	}
	epic, err := a.epics.Load(ctx, epicID)
	if err != nil {
		return fmt.Errorf("budget gate on epic %s: %w", epicID, err)
	}
	if !epic.Exhausted() {
		return nil
	}
	if epic.Status == StatusActive {
		if err := a.epics.SetStatus(ctx, epicID, StatusExhausted); err != nil {
			a.logger.Error(ctx, "epic status transition failed", "epic_id", epicID, "error", err)
		}
		a.logger.Warn(ctx, "epic budget exhausted",
			"epic_id", epicID,
			"spent_tokens", epic.SpentTokens,
			"spent_micro_usd", epic.SpentMicroUSD,
		)
	}
	return faults.Newf(faults.KindBudgetExceeded, "epic %s budget exhausted (%d tokens, %d micro-USD spent)",
		epicID, epic.SpentTokens, epic.SpentMicroUSD)
}

// Dollars renders a micro-dollar amount with six decimals for display and
// persistence at the external boundary.
func Dollars(microUSD int64) string {
	sign := ""
	if microUSD < 0 {
		sign = "-"
		microUSD = -microUSD
	}
	return fmt.Sprintf("%s%d.%06d", sign, microUSD/1_000_000, microUSD%1_000_000)
}
