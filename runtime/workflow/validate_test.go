package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/node"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	noop := func(Node, Capabilities) (node.Runnable, error) {
		return node.RunnableFunc(func(context.Context, node.Input) (node.Result, error) {
			return node.Result{}, nil
		}), nil
	}
	require.NoError(t, reg.Register(Definition{
		Type:       "producer",
		Executable: true,
		Outputs:    []Port{{Name: "text", Type: PortString}, {Name: "count", Type: PortNumber}},
		Build:      noop,
	}))
	require.NoError(t, reg.Register(Definition{
		Type:       "consumer",
		Executable: true,
		Inputs:     []Port{{Name: "text", Type: PortString, Required: true}},
		Outputs:    []Port{{Name: "output", Type: PortAny}},
		Build:      noop,
	}))
	require.NoError(t, reg.Register(Definition{
		Type:          "agent",
		Executable:    true,
		RequiresModel: true,
		AcceptsTools:  true,
		Inputs:        []Port{{Name: "input", Type: PortAny}},
		Outputs:       []Port{{Name: "output", Type: PortString}},
		Build:         noop,
	}))
	require.NoError(t, reg.Register(Definition{
		Type:         "switch",
		Executable:   true,
		RouteEmitter: true,
		Inputs:       []Port{{Name: "input", Type: PortAny}},
		Outputs:      []Port{{Name: "route", Type: PortString}},
		Build:        noop,
	}))
	require.NoError(t, reg.Register(Definition{
		Type:       "loop",
		Executable: true,
		Loop:       true,
		Inputs:     []Port{{Name: "items", Type: PortArray}},
		Outputs:    []Port{{Name: "results", Type: PortArray}},
		Build:      noop,
	}))
	require.NoError(t, reg.Register(Definition{Type: "model_provider"}))
	return reg
}

func twoNodeWorkflow(srcType, dstType string) *Workflow {
	return &Workflow{
		ID:   "wf1",
		Slug: "demo",
		Nodes: []Node{
			{ID: "a", Type: srcType},
			{ID: "b", Type: dstType},
		},
	}
}

func TestValidateEdgeEndpoints(t *testing.T) {
	reg := testRegistry(t)
	wf := twoNodeWorkflow("producer", "consumer")

	err := ValidateEdge(reg, wf, Edge{Source: "a", Target: "missing"})
	require.Error(t, err)
	assert.Equal(t, faults.KindBrokenInput, faults.KindOf(err))
}

func TestValidateEdgePortTypes(t *testing.T) {
	reg := testRegistry(t)
	wf := twoNodeWorkflow("producer", "consumer")

	// STRING -> STRING is fine.
	assert.NoError(t, ValidateEdge(reg, wf, Edge{Source: "a", Target: "b", SourcePort: "text", TargetPort: "text"}))

	// NUMBER -> STRING is rejected.
	err := ValidateEdge(reg, wf, Edge{Source: "a", Target: "b", SourcePort: "count", TargetPort: "text"})
	require.Error(t, err)
	assert.Equal(t, faults.KindIncompatibleEdge, faults.KindOf(err))

	// Unknown port names are rejected.
	err = ValidateEdge(reg, wf, Edge{Source: "a", Target: "b", SourcePort: "nope"})
	require.Error(t, err)
	assert.Equal(t, faults.KindIncompatibleEdge, faults.KindOf(err))
}

func TestValidateEdgeAnyBridges(t *testing.T) {
	reg := testRegistry(t)
	wf := twoNodeWorkflow("consumer", "consumer")

	// ANY output into STRING input is allowed.
	assert.NoError(t, ValidateEdge(reg, wf, Edge{Source: "a", Target: "b", SourcePort: "output", TargetPort: "text"}))
}

func TestValidateEdgeSubComponentHandles(t *testing.T) {
	reg := testRegistry(t)
	wf := &Workflow{Nodes: []Node{
		{ID: "m", Type: "model_provider"},
		{ID: "ag", Type: "agent"},
		{ID: "c", Type: "consumer"},
	}}

	assert.NoError(t, ValidateEdge(reg, wf, Edge{Source: "m", Target: "ag", Label: EdgeLabelLLM}))
	assert.NoError(t, ValidateEdge(reg, wf, Edge{Source: "m", Target: "ag", Label: EdgeLabelTool}))

	err := ValidateEdge(reg, wf, Edge{Source: "m", Target: "c", Label: EdgeLabelLLM})
	require.Error(t, err)
	assert.Equal(t, faults.KindIncompatibleEdge, faults.KindOf(err))

	err = ValidateEdge(reg, wf, Edge{Source: "m", Target: "ag", Label: EdgeLabelMemory})
	require.Error(t, err)
}

func TestValidateEdgeConditionalNeedsRouteEmitter(t *testing.T) {
	reg := testRegistry(t)
	wf := &Workflow{Nodes: []Node{
		{ID: "sw", Type: "switch"},
		{ID: "a", Type: "producer"},
		{ID: "b", Type: "consumer"},
	}}

	assert.NoError(t, ValidateEdge(reg, wf, Edge{Source: "sw", Target: "b", ConditionValue: "yes"}))

	err := ValidateEdge(reg, wf, Edge{Source: "a", Target: "b", ConditionValue: "yes"})
	require.Error(t, err)
	assert.Equal(t, faults.KindIncompatibleEdge, faults.KindOf(err))
}

func TestValidateEdgeLoopReturnTarget(t *testing.T) {
	reg := testRegistry(t)
	wf := &Workflow{Nodes: []Node{
		{ID: "lp", Type: "loop"},
		{ID: "body", Type: "consumer"},
	}}

	assert.NoError(t, ValidateEdge(reg, wf, Edge{Source: "body", Target: "lp", Label: EdgeLabelLoopReturn}))

	err := ValidateEdge(reg, wf, Edge{Source: "lp", Target: "body", Label: EdgeLabelLoopReturn})
	require.Error(t, err)
	assert.Equal(t, faults.KindIncompatibleEdge, faults.KindOf(err))
}

func TestValidateWorkflowDuplicateNode(t *testing.T) {
	reg := testRegistry(t)
	wf := &Workflow{Nodes: []Node{{ID: "a", Type: "producer"}, {ID: "a", Type: "consumer"}}}

	err := ValidateWorkflow(reg, wf)
	require.Error(t, err)
	assert.Equal(t, faults.KindBrokenInput, faults.KindOf(err))
}

func TestRegistryFreeze(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{Type: "x"}))
	reg.Freeze()
	assert.Error(t, reg.Register(Definition{Type: "y"}))

	_, ok := reg.Lookup("x")
	assert.True(t, ok)
}

func TestRegistryRejectsExecutableWithoutBuilder(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(Definition{Type: "x", Executable: true}))
}

func TestEdgeClass(t *testing.T) {
	assert.Equal(t, ClassData, Edge{}.Class())
	assert.Equal(t, ClassSubComponent, Edge{Label: EdgeLabelLLM}.Class())
	assert.Equal(t, ClassSubComponent, Edge{Label: EdgeLabelOutputParser}.Class())
	assert.Equal(t, ClassConditional, Edge{ConditionValue: "a"}.Class())
	assert.Equal(t, ClassLoop, Edge{Label: EdgeLabelLoopBody}.Class())

	assert.False(t, Edge{Label: EdgeLabelTool}.Advances())
	assert.True(t, Edge{Label: EdgeLabelLoopBody}.Advances())
	assert.False(t, Edge{Label: EdgeLabelLoopReturn}.Advances())
	assert.True(t, Edge{ConditionValue: "a"}.Advances())
}

func TestConfigSchemaValidation(t *testing.T) {
	schema, err := CompileConfigSchema([]byte(`{
		"type": "object",
		"required": ["interval_seconds"],
		"properties": {"interval_seconds": {"type": "number", "minimum": 1}}
	}`))
	require.NoError(t, err)

	def := Definition{Type: "sched", ConfigSchema: schema}

	good := Node{ID: "n1", Config: NodeConfig{Extra: map[string]any{"interval_seconds": 5}}}
	assert.NoError(t, def.ValidateConfig(good))

	bad := Node{ID: "n2", Config: NodeConfig{Extra: map[string]any{}}}
	assert.Error(t, def.ValidateConfig(bad))
}
