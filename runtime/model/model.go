// Package model defines the provider-agnostic chat completion contract the
// agent component invokes. Adapters under features/model translate these
// normalized types into provider SDK calls (OpenAI, Anthropic, Bedrock);
// the engine never imports an SDK directly.
package model

import (
	"context"

	"pipelit.dev/pipelit/runtime/node"
)

type (
	// Client is a chat completion backend. Implementations must be safe for
	// concurrent use; one client is shared across executions.
	Client interface {
		// Complete sends one chat completion request and returns the
		// model's reply. Implementations surface throttling and transport
		// failures as *ProviderError so middleware can decide retryability.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request is a normalized chat completion call.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the ordered conversation, system prompt first.
		Messages []node.Message
		// Temperature controls sampling; zero means provider default.
		Temperature float32
		// MaxTokens caps completion length; zero means provider default.
		MaxTokens int
		// Tools lists the callable tools exposed for this turn. Empty
		// disables tool calling.
		Tools []ToolDefinition
	}

	// Response is the model's reply to one request.
	Response struct {
		// Text is the assistant text, empty when the model only requested
		// tools.
		Text string
		// ToolCalls lists requested tool invocations in model order.
		ToolCalls []ToolCall
		// Usage reports token consumption when the provider exposes it.
		Usage node.TokenUsage
		// StopReason is the provider-specific stop cause, may be empty.
		StopReason string
	}

	// ToolDefinition describes one callable tool to the model.
	ToolDefinition struct {
		// Name identifies the tool; providers restrict it to word characters.
		Name string
		// Description tells the model when to call the tool.
		Description string
		// InputSchema is the JSON Schema of the tool arguments.
		InputSchema map[string]any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID correlates the call with its result message.
		ID string
		// Name is the requested tool.
		Name string
		// Args are the decoded call arguments.
		Args map[string]any
	}
)

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
