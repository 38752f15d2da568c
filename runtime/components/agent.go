package components

import (
	"context"
	"encoding/json"

	"pipelit.dev/pipelit/runtime/checkpoint"
	"pipelit.dev/pipelit/runtime/faults"
	"pipelit.dev/pipelit/runtime/model"
	"pipelit.dev/pipelit/runtime/node"
	"pipelit.dev/pipelit/runtime/template"
	"pipelit.dev/pipelit/runtime/workflow"
)

var agentSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"prompt": {"type": "string"},
		"max_tool_rounds": {"type": "integer", "minimum": 0}
	}
}`)

const defaultToolRounds = 4

// agentDefinition declares the chat model node. The model binding is
// mandatory and resolved once at build time; tool and memory bindings are
// optional and silently inert when the deployment does not configure the
// matching seam.
func agentDefinition(cfg Config) workflow.Definition {
	return workflow.Definition{
		Type: "agent", Label: "Agent", Category: "ai",
		Executable:    true,
		RequiresModel: true,
		AcceptsTools:  true,
		AcceptsMemory: true,
		Inputs:        []workflow.Port{{Name: "input", Type: workflow.PortAny}},
		Outputs: []workflow.Port{
			{Name: "output", Type: workflow.PortString},
			{Name: "messages", Type: workflow.PortMessages},
		},
		ConfigSchema: agentSchema,
		Build: func(n workflow.Node, caps workflow.Capabilities) (node.Runnable, error) {
			return buildAgent(cfg, n, caps)
		},
	}
}

type agentRunner struct {
	client     model.Client
	modelName  string
	temp       float32
	maxTokens  int
	toolDefs   []model.ToolDefinition
	toolNodes  map[string]workflow.BoundCapability
	runTool    ToolRunner
	memory     MemoryStore
	workflowID string
}

func buildAgent(cfg Config, n workflow.Node, caps workflow.Capabilities) (node.Runnable, error) {
	if cfg.Models == nil {
		return nil, faults.Newf(faults.KindMissingCapability, "agent %q: no model factory configured", n.ID)
	}
	client, err := cfg.Models(*caps.Model)
	if err != nil {
		return nil, faults.Wrap(faults.KindMissingCapability, "agent "+n.ID+": bind model", err)
	}
	a := &agentRunner{
		client:     client,
		modelName:  caps.Model.Node.Config.ExtraString("model"),
		workflowID: n.WorkflowID,
	}
	if t, ok := template.AsNumber(caps.Model.Node.Config.Extra["temperature"]); ok {
		a.temp = float32(t)
	}
	if mt, ok := template.AsNumber(caps.Model.Node.Config.Extra["max_tokens"]); ok {
		a.maxTokens = int(mt)
	}
	if cfg.Tools != nil && len(caps.Tools) > 0 {
		a.runTool = cfg.Tools
		a.toolNodes = make(map[string]workflow.BoundCapability, len(caps.Tools))
		for _, b := range caps.Tools {
			td := toolDefinition(b.Node)
			if _, dup := a.toolNodes[td.Name]; dup {
				return nil, faults.Newf(faults.KindBrokenInput, "agent %q: duplicate tool %q", n.ID, td.Name)
			}
			a.toolDefs = append(a.toolDefs, td)
			a.toolNodes[td.Name] = b
		}
	}
	if cfg.Memory != nil && caps.Memory != nil {
		a.memory = cfg.Memory
	}
	return a, nil
}

func (a *agentRunner) Run(ctx context.Context, in node.Input) (node.Result, error) {
	thread := a.threadID(in.State)
	msgs, err := a.transcript(ctx, in, thread)
	if err != nil {
		return node.Result{}, err
	}

	var appended []node.Message
	if prompt := cfgString(in.Config, "prompt"); prompt != "" {
		m := node.Message{Role: "user", Content: prompt}
		msgs = append(msgs, m)
		appended = append(appended, m)
	} else if len(msgs) == 0 {
		if text := triggerText(in.State); text != "" {
			m := node.Message{Role: "user", Content: text}
			msgs = append(msgs, m)
			appended = append(appended, m)
		}
	}

	req := model.Request{
		Model:       a.modelName,
		Temperature: a.temp,
		MaxTokens:   a.maxTokens,
		Tools:       a.toolDefs,
	}
	if sys := cfgString(in.Config, "system_prompt"); sys != "" {
		req.Messages = append(req.Messages, node.Message{Role: "system", Content: sys})
	}
	req.Messages = append(req.Messages, msgs...)

	rounds := defaultToolRounds
	if n, ok := cfgNumber(in.Config, "max_tool_rounds"); ok {
		rounds = int(n)
	}

	var usage node.TokenUsage
	var text string
	for {
		resp, err := a.client.Complete(ctx, req)
		if err != nil {
			return node.Result{}, faults.Wrap(faults.KindNodeFailure, "model completion", err).WithCode("MODEL_CALL")
		}
		usage.Add(resp.Usage)
		if len(resp.ToolCalls) == 0 || a.runTool == nil || rounds == 0 {
			text = resp.Text
			break
		}
		rounds--
		if resp.Text != "" {
			req.Messages = append(req.Messages, node.Message{Role: "assistant", Content: resp.Text})
		}
		for _, call := range resp.ToolCalls {
			req.Messages = append(req.Messages, a.invokeTool(ctx, call))
		}
	}

	reply := node.Message{Role: "assistant", Content: text}
	appended = append(appended, reply)
	if a.memory != nil {
		if err := a.memory.Save(ctx, thread, append(msgs, reply)); err != nil {
			return node.Result{}, faults.Wrap(faults.KindNodeFailure, "persist conversation memory", err).WithCode("MEMORY_SAVE")
		}
	}
	return node.Result{
		Outputs:  map[string]any{"output": text},
		Messages: appended,
		Usage:    &usage,
	}, nil
}

// transcript assembles the prior conversation: the durable memory thread when
// one is bound, the execution transcript otherwise.
func (a *agentRunner) transcript(ctx context.Context, in node.Input, thread string) ([]node.Message, error) {
	if a.memory == nil {
		return in.State.Messages(), nil
	}
	msgs, err := a.memory.Load(ctx, thread)
	if err != nil {
		return nil, faults.Wrap(faults.KindNodeFailure, "load conversation memory", err).WithCode("MEMORY_LOAD")
	}
	return msgs, nil
}

// invokeTool runs one requested tool call and folds the outcome into a tool
// message. Tool failures become messages rather than node failures so the
// model can react to them.
func (a *agentRunner) invokeTool(ctx context.Context, call model.ToolCall) node.Message {
	bound, ok := a.toolNodes[call.Name]
	if !ok {
		return node.Message{Role: "tool", Content: "error: unknown tool " + call.Name}
	}
	out, err := a.runTool(ctx, bound, call)
	if err != nil {
		return node.Message{Role: "tool", Content: "error: " + err.Error()}
	}
	switch t := out.(type) {
	case string:
		return node.Message{Role: "tool", Content: t}
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return node.Message{Role: "tool", Content: template.Stringify(t)}
		}
		return node.Message{Role: "tool", Content: string(raw)}
	}
}

// threadID derives the durable memory key from the caller identity the
// dispatcher stored in user_context.
func (a *agentRunner) threadID(st node.StateView) string {
	raw, _ := st.Get("user_context")
	uc, _ := raw.(map[string]any)
	return checkpoint.ThreadID(
		template.Stringify(uc["user_id"]),
		template.Stringify(uc["channel"]),
		a.workflowID,
	)
}

func triggerText(st node.StateView) string {
	raw, _ := st.Get("trigger")
	trig, _ := raw.(map[string]any)
	text, _ := trig["text"].(string)
	return text
}

// toolDefinition extracts the tool contract from a bound tool node. The name
// defaults to the node id so unnamed tools stay addressable.
func toolDefinition(n workflow.Node) model.ToolDefinition {
	name := n.Config.ExtraString("name")
	if name == "" {
		name = n.ID
	}
	var schema map[string]any
	if m, ok := n.Config.Extra["input_schema"].(map[string]any); ok {
		schema = m
	}
	return model.ToolDefinition{
		Name:        name,
		Description: n.Config.ExtraString("description"),
		InputSchema: schema,
	}
}
