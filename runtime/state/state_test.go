package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelit.dev/pipelit/runtime/node"
)

func TestRecordNodeOutputFiltersControlKeys(t *testing.T) {
	s := New(map[string]any{"text": "hi"})

	s.RecordNodeOutput("agent_A", map[string]any{
		"output":       "hi world",
		"_route":       "x",
		"_token_usage": map[string]any{"input": 1},
	})

	out, ok := s.NodeOutput("agent_A")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"output": "hi world"}, out)
	assert.Equal(t, "", s.Route(), "filtering does not interpret control keys")
}

func TestApply(t *testing.T) {
	s := New(nil)

	s.Apply("sw", node.Result{
		Outputs:    map[string]any{"matched": true},
		Route:      "rule-1",
		RouteSet:   true,
		Messages:   []node.Message{{Role: "assistant", Content: "picked"}},
		StatePatch: map[string]any{"seen": float64(1)},
	})

	assert.Equal(t, "rule-1", s.Route())
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "assistant", msgs[0].Role)
	v, ok := s.Get("seen")
	require.True(t, ok)
	assert.Equal(t, float64(1), v)

	// empty route emission still replaces
	s.Apply("sw2", node.Result{Route: "", RouteSet: true})
	assert.Equal(t, "", s.Route())
}

func TestMergePatchSemantics(t *testing.T) {
	s := New(nil)
	s.Set("cfg", map[string]any{"a": float64(1), "b": map[string]any{"c": float64(2)}})

	s.MergePatch(map[string]any{"cfg": map[string]any{"b": map[string]any{"d": float64(3)}, "a": nil}})

	v, _ := s.Get("cfg")
	cfg := v.(map[string]any)
	_, hasA := cfg["a"]
	assert.False(t, hasA, "null deletes")
	assert.Equal(t, float64(2), cfg["b"].(map[string]any)["c"])
	assert.Equal(t, float64(3), cfg["b"].(map[string]any)["d"])
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New(map[string]any{"text": "hi"})
	s.RecordNodeOutput("a", map[string]any{"output": "x"})
	s.AppendMessage(node.Message{Role: "user", Content: "hi"})
	s.SetRoute("r1")
	s.SetSubworkflowResult("sub", map[string]any{"output": "child"})
	s.SetResumeInput("yes")

	blob, err := json.Marshal(s.Data())
	require.NoError(t, err)

	var data map[string]any
	require.NoError(t, json.Unmarshal(blob, &data))
	restored := Restore(data)

	assert.Equal(t, "r1", restored.Route())
	out, ok := restored.NodeOutput("a")
	require.True(t, ok)
	assert.Equal(t, "x", out["output"])
	msgs := restored.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	sub, ok := restored.SubworkflowResult("sub")
	require.True(t, ok)
	assert.Equal(t, "child", sub["output"])
	in, ok := restored.ResumeInput()
	require.True(t, ok)
	assert.Equal(t, "yes", in)
}

func TestTemplateScopeAliases(t *testing.T) {
	s := New(map[string]any{"text": "hi"})
	s.RecordNodeOutput("agent_A", map[string]any{"output": "hi world"})
	s.Set("items", []any{float64(1)})

	scope := s.TemplateScope()

	assert.Equal(t, "hi", scope["trigger"].(map[string]any)["text"])
	assert.Equal(t, "hi world", scope["nodes"].(map[string]any)["agent_A"].(map[string]any)["output"])
	assert.Equal(t, "hi world", scope["agent_A"].(map[string]any)["output"], "per-node root alias")
	assert.Equal(t, []any{float64(1)}, scope["state"].(map[string]any)["items"])
	assert.Equal(t, []any{float64(1)}, scope["items"])
}

func TestScopeRootKeysBeatAliases(t *testing.T) {
	s := New(nil)
	s.RecordNodeOutput("route", map[string]any{"output": "x"})
	s.SetRoute("actual")

	scope := s.TemplateScope()
	assert.Equal(t, "actual", scope["route"], "reserved state key wins over node alias")
}

func TestDefensiveCopies(t *testing.T) {
	s := New(map[string]any{"text": "hi"})
	s.RecordNodeOutput("a", map[string]any{"output": "x"})

	out, _ := s.NodeOutput("a")
	out["output"] = "mutated"

	again, _ := s.NodeOutput("a")
	assert.Equal(t, "x", again["output"])

	trig := s.Trigger()
	trig["text"] = "mutated"
	assert.Equal(t, "hi", s.Trigger()["text"])
}
