package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"pipelit.dev/pipelit/runtime/costs"
	"pipelit.dev/pipelit/runtime/execution"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/nodelog"
	"pipelit.dev/pipelit/runtime/scheduler"
)

type executionRow struct {
	bun.BaseModel `bun:"table:executions,alias:ex"`

	ID                string         `bun:"id,pk"`
	WorkflowID        string         `bun:"workflow_id"`
	WorkflowSlug      string         `bun:"workflow_slug"`
	TriggerNode       string         `bun:"trigger_node"`
	Status            string         `bun:"status"`
	TriggerPayload    map[string]any `bun:"trigger_payload,type:jsonb"`
	UserContext       map[string]any `bun:"user_context,type:jsonb"`
	EpicID            string         `bun:"epic_id"`
	CorrelationID     string         `bun:"correlation_id"`
	ParentExecutionID string         `bun:"parent_execution_id"`
	ParentNodeID      string         `bun:"parent_node_id"`
	Depth             int            `bun:"depth"`
	InterruptReason   string         `bun:"interrupt_reason"`
	Error             string         `bun:"error"`
	ErrorCode         string         `bun:"error_code"`
	FinalOutput       map[string]any `bun:"final_output,type:jsonb"`
	SpentTokens       int64          `bun:"spent_tokens"`
	SpentMicroUSD     int64          `bun:"spent_micro_usd"`
	StartedAt         time.Time      `bun:"started_at,nullzero"`
	CompletedAt       time.Time      `bun:"completed_at,nullzero"`
	CreatedAt         time.Time      `bun:"created_at"`
	UpdatedAt         time.Time      `bun:"updated_at"`
}

func executionRowFrom(rec execution.Record) executionRow {
	return executionRow{
		ID:                rec.ID,
		WorkflowID:        rec.WorkflowID,
		WorkflowSlug:      rec.WorkflowSlug,
		TriggerNode:       rec.TriggerNode,
		Status:            string(rec.Status),
		TriggerPayload:    rec.TriggerPayload,
		UserContext:       rec.UserContext,
		EpicID:            rec.EpicID,
		CorrelationID:     rec.CorrelationID,
		ParentExecutionID: rec.ParentExecutionID,
		ParentNodeID:      rec.ParentNodeID,
		Depth:             rec.Depth,
		InterruptReason:   rec.InterruptReason,
		Error:             rec.Error,
		ErrorCode:         rec.ErrorCode,
		FinalOutput:       rec.FinalOutput,
		SpentTokens:       rec.SpentTokens,
		SpentMicroUSD:     rec.SpentMicroUSD,
		StartedAt:         rec.StartedAt,
		CompletedAt:       rec.CompletedAt,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func (r executionRow) toRecord() execution.Record {
	return execution.Record{
		ID:                r.ID,
		WorkflowID:        r.WorkflowID,
		WorkflowSlug:      r.WorkflowSlug,
		TriggerNode:       r.TriggerNode,
		Status:            execution.Status(r.Status),
		TriggerPayload:    r.TriggerPayload,
		UserContext:       r.UserContext,
		EpicID:            r.EpicID,
		CorrelationID:     r.CorrelationID,
		ParentExecutionID: r.ParentExecutionID,
		ParentNodeID:      r.ParentNodeID,
		Depth:             r.Depth,
		InterruptReason:   r.InterruptReason,
		Error:             r.Error,
		ErrorCode:         r.ErrorCode,
		FinalOutput:       r.FinalOutput,
		SpentTokens:       r.SpentTokens,
		SpentMicroUSD:     r.SpentMicroUSD,
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type nodeLogRow struct {
	bun.BaseModel `bun:"table:node_logs,alias:nl"`

	Seq         int64            `bun:"seq,pk,autoincrement"`
	ExecutionID string           `bun:"execution_id"`
	NodeID      string           `bun:"node_id"`
	Status      string           `bun:"status"`
	Output      map[string]any   `bun:"output,type:jsonb"`
	Error       string           `bun:"error"`
	ErrorCode   string           `bun:"error_code"`
	DurationMS  int64            `bun:"duration_ms"`
	Timestamp   time.Time        `bun:"timestamp"`
	Usage       *node.TokenUsage `bun:"usage,type:jsonb"`
}

func nodeLogRowFrom(e nodelog.Entry) nodeLogRow {
	return nodeLogRow{
		ExecutionID: e.ExecutionID,
		NodeID:      e.NodeID,
		Status:      string(e.Status),
		Output:      e.Output,
		Error:       e.Error,
		ErrorCode:   e.ErrorCode,
		DurationMS:  e.DurationMS,
		Timestamp:   e.Timestamp,
		Usage:       e.Usage,
	}
}

func (r nodeLogRow) toEntry() nodelog.Entry {
	return nodelog.Entry{
		ExecutionID: r.ExecutionID,
		NodeID:      r.NodeID,
		Status:      nodelog.Status(r.Status),
		Output:      r.Output,
		Error:       r.Error,
		ErrorCode:   r.ErrorCode,
		DurationMS:  r.DurationMS,
		Timestamp:   r.Timestamp,
		Usage:       r.Usage,
	}
}

type scheduledJobRow struct {
	bun.BaseModel `bun:"table:scheduled_jobs,alias:sj"`

	ID            string         `bun:"id,pk"`
	WorkflowID    string         `bun:"workflow_id"`
	TriggerNodeID string         `bun:"trigger_node_id"`
	IntervalMS    int64          `bun:"interval_ms"`
	RepeatCount   int            `bun:"repeat_count"`
	RepeatDone    int            `bun:"repeat_done"`
	RetryMax      int            `bun:"retry_max"`
	RetryDone     int            `bun:"retry_done"`
	Status        string         `bun:"status"`
	LastRunAt     time.Time      `bun:"last_run_at,nullzero"`
	NextRunAt     time.Time      `bun:"next_run_at,nullzero"`
	LastError     string         `bun:"last_error"`
	Payload       map[string]any `bun:"payload,type:jsonb"`
	CreatedAt     time.Time      `bun:"created_at"`
	UpdatedAt     time.Time      `bun:"updated_at"`
}

func scheduledJobRowFrom(job scheduler.Job) scheduledJobRow {
	return scheduledJobRow{
		ID:            job.ID,
		WorkflowID:    job.WorkflowID,
		TriggerNodeID: job.TriggerNodeID,
		IntervalMS:    job.Interval.Milliseconds(),
		RepeatCount:   job.RepeatCount,
		RepeatDone:    job.RepeatDone,
		RetryMax:      job.RetryMax,
		RetryDone:     job.RetryDone,
		Status:        string(job.Status),
		LastRunAt:     job.LastRunAt,
		NextRunAt:     job.NextRunAt,
		LastError:     job.LastError,
		Payload:       job.Payload,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}

func (r scheduledJobRow) toJob() scheduler.Job {
	return scheduler.Job{
		ID:            r.ID,
		WorkflowID:    r.WorkflowID,
		TriggerNodeID: r.TriggerNodeID,
		Interval:      time.Duration(r.IntervalMS) * time.Millisecond,
		RepeatCount:   r.RepeatCount,
		RepeatDone:    r.RepeatDone,
		RetryMax:      r.RetryMax,
		RetryDone:     r.RetryDone,
		Status:        scheduler.Status(r.Status),
		LastRunAt:     r.LastRunAt,
		NextRunAt:     r.NextRunAt,
		LastError:     r.LastError,
		Payload:       r.Payload,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type epicRow struct {
	bun.BaseModel `bun:"table:epics,alias:ep"`

	ID             string    `bun:"id,pk"`
	Name           string    `bun:"name"`
	BudgetTokens   *int64    `bun:"budget_tokens"`
	BudgetMicroUSD *int64    `bun:"budget_micro_usd"`
	SpentTokens    int64     `bun:"spent_tokens"`
	SpentMicroUSD  int64     `bun:"spent_micro_usd"`
	Status         string    `bun:"status"`
	CreatedAt      time.Time `bun:"created_at"`
	UpdatedAt      time.Time `bun:"updated_at"`
}

func epicRowFrom(epic *costs.Epic) epicRow {
	return epicRow{
		ID:             epic.ID,
		Name:           epic.Name,
		BudgetTokens:   epic.BudgetTokens,
		BudgetMicroUSD: epic.BudgetMicroUSD,
		SpentTokens:    epic.SpentTokens,
		SpentMicroUSD:  epic.SpentMicroUSD,
		Status:         string(epic.Status),
		CreatedAt:      epic.CreatedAt,
		UpdatedAt:      epic.UpdatedAt,
	}
}

func (r epicRow) toEpic() *costs.Epic {
	return &costs.Epic{
		ID:             r.ID,
		Name:           r.Name,
		BudgetTokens:   r.BudgetTokens,
		BudgetMicroUSD: r.BudgetMicroUSD,
		SpentTokens:    r.SpentTokens,
		SpentMicroUSD:  r.SpentMicroUSD,
		Status:         costs.Status(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
