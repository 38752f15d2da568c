package components

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/state"
	"pipelit.dev/pipelit/runtime/workflow"
)

func TestConfirmFirstVisitSuspends(t *testing.T) {
	r := build(t, confirmDefinition(), workflow.Node{ID: "c"}, workflow.Capabilities{})

	res := run(t, r, map[string]any{"prompt": "Ship it?"}, state.New(nil))
	require.NotNil(t, res.Suspend)
	assert.Equal(t, node.SuspendInput, res.Suspend.Reason)
	assert.Equal(t, "Ship it?", res.Suspend.Prompt)

	res = run(t, r, nil, state.New(nil))
	require.NotNil(t, res.Suspend)
	assert.NotEmpty(t, res.Suspend.Prompt, "a default prompt stands in when none is configured")
}

func TestConfirmAffirmativeReplies(t *testing.T) {
	r := build(t, confirmDefinition(), workflow.Node{ID: "c"}, workflow.Capabilities{})

	for _, reply := range []string{"yes", "YES", " y ", "Confirm", "true", "1"} {
		st := state.New(nil)
		st.SetResumeInput(reply)
		res := run(t, r, nil, st)
		assert.Nil(t, res.Suspend, reply)
		assert.Equal(t, RouteConfirmed, res.Route, reply)
		assert.Equal(t, true, res.Outputs["confirmed"], reply)
		assert.Equal(t, reply, res.Outputs["user_response"], reply)
	}
}

func TestConfirmNegativeReplies(t *testing.T) {
	r := build(t, confirmDefinition(), workflow.Node{ID: "c"}, workflow.Capabilities{})

	for _, reply := range []string{"no", "nope", "cancel", "ok", ""} {
		st := state.New(nil)
		st.SetResumeInput(reply)
		res := run(t, r, nil, st)
		assert.Equal(t, RouteCancelled, res.Route, reply)
		assert.Equal(t, false, res.Outputs["confirmed"], reply)
	}
}

func TestConfirmConsumesResumeInput(t *testing.T) {
	r := build(t, confirmDefinition(), workflow.Node{ID: "c"}, workflow.Capabilities{})

	st := state.New(nil)
	st.SetResumeInput("yes")
	res := run(t, r, nil, st)
	require.Contains(t, res.StatePatch, "_resume_input")
	assert.Nil(t, res.StatePatch["_resume_input"])

	// Applying the result deletes the reply, so a later gate suspends again.
	st.Apply("c", res)
	_, ok := st.ResumeInput()
	assert.False(t, ok)
}

func TestSubworkflowFirstVisitSuspends(t *testing.T) {
	n := workflow.Node{ID: "s", Type: "subworkflow"}
	r := build(t, subworkflowDefinition(), n, workflow.Capabilities{})

	cfg := map[string]any{
		"workflow_slug": "summarize",
		"payload":       map[string]any{"text": "long document"},
	}
	res := run(t, r, cfg, state.New(nil))
	require.NotNil(t, res.Suspend)
	assert.Equal(t, node.SuspendChild, res.Suspend.Reason)
	assert.Equal(t, "summarize", res.Suspend.ChildWorkflow)
	assert.Equal(t, map[string]any{"text": "long document"}, res.Suspend.ChildPayload)
}

func TestSubworkflowSecondVisitPublishesChildOutput(t *testing.T) {
	n := workflow.Node{ID: "s", Type: "subworkflow"}
	r := build(t, subworkflowDefinition(), n, workflow.Capabilities{})

	st := state.New(nil)
	st.SetSubworkflowResult("n1", map[string]any{"summary": "short"})
	res, err := r.Run(context.Background(), node.Input{NodeID: "n1", Config: map[string]any{"workflow_slug": "summarize"}, State: st})
	require.NoError(t, err)
	assert.Nil(t, res.Suspend)
	assert.Equal(t, map[string]any{"summary": "short"}, res.Outputs)
}

func TestSubworkflowEmptySlugFails(t *testing.T) {
	n := workflow.Node{ID: "s", Type: "subworkflow"}
	r := build(t, subworkflowDefinition(), n, workflow.Capabilities{})

	_, err := r.Run(context.Background(), node.Input{NodeID: "s", Config: map[string]any{}, State: state.New(nil)})
	assert.Error(t, err)
}

func TestDelaySuspendsForDuration(t *testing.T) {
	n := workflow.Node{ID: "d", Type: "delay"}
	r := build(t, delayDefinition(), n, workflow.Capabilities{})

	res := run(t, r, map[string]any{"duration_seconds": 1.5}, state.New(nil))
	require.NotNil(t, res.Suspend)
	assert.Equal(t, node.SuspendDelay, res.Suspend.Reason)
	assert.Equal(t, 1500*time.Millisecond, res.Suspend.Delay)
}

func TestDelayRejectsMissingDuration(t *testing.T) {
	n := workflow.Node{ID: "d", Type: "delay"}
	r := build(t, delayDefinition(), n, workflow.Capabilities{})

	_, err := r.Run(context.Background(), node.Input{Config: map[string]any{}, State: state.New(nil)})
	assert.Error(t, err)

	_, err = r.Run(context.Background(), node.Input{Config: map[string]any{"duration_seconds": -3}, State: state.New(nil)})
	assert.Error(t, err)
}
