// Package openai adapts the OpenAI chat completion API to the model.Client
// contract using github.com/sashabaranov/go-openai. The same adapter serves
// OpenAI-compatible endpoints when the caller points the SDK at another base
// URL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"pipelit.dev/pipelit/runtime/model"
	"pipelit.dev/pipelit/runtime/node"
)

const providerName = "openai"

type (
	// ChatClient captures the subset of the go-openai client the adapter
	// calls. It is satisfied by *openai.Client so tests can substitute a
	// fake.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	}

	// Options configures the adapter.
	Options struct {
		// Client issues the API calls. Required.
		Client ChatClient

		// DefaultModel is the model identifier used when Request.Model is
		// empty. Required.
		DefaultModel string
	}

	// Client implements model.Client on top of OpenAI chat completions.
	Client struct {
		chat         ChatClient
		defaultModel string
	}
)

var _ model.Client = (*Client)(nil)

// New builds an OpenAI-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, defaultModel: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client against api.openai.com. An optional
// baseURL retargets the SDK at an OpenAI-compatible server.
func NewFromAPIKey(apiKey, defaultModel, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(Options{Client: openai.NewClientWithConfig(cfg), DefaultModel: defaultModel})
}

// Complete issues one chat completion call and translates the response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	out := openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: encodeMessages(req.Messages),
	}
	if req.Temperature > 0 {
		out.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return model.Response{}, err
	}
	out.Tools = tools

	resp, err := c.chat.CreateChatCompletion(ctx, out)
	if err != nil {
		return model.Response{}, wrapError("chat_completion", err)
	}
	return translateResponse(resp), nil
}

func encodeMessages(msgs []node.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func encodeTools(defs []model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("openai: tool name is required")
		}
		params := json.RawMessage(`{"type":"object"}`)
		if def.InputSchema != nil {
			raw, err := json.Marshal(def.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
			params = raw
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools, nil
}

func translateResponse(resp openai.ChatCompletionResponse) model.Response {
	out := model.Response{
		Usage: node.TokenUsage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	out.StopReason = string(choice.FinishReason)
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: parseToolArguments(call.Function.Arguments),
		})
	}
	return out
}

// parseToolArguments decodes the JSON argument payload the model produced.
// Malformed payloads are preserved under "raw" so the tool runner can decide
// how to react instead of the turn failing outright.
func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

func wrapError(operation string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &model.ProviderError{
			Provider:  providerName,
			Operation: operation,
			Status:    apiErr.HTTPStatusCode,
			Kind:      model.KindFromStatus(apiErr.HTTPStatusCode),
			Code:      codeString(apiErr.Code),
			Err:       err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &model.ProviderError{
			Provider:  providerName,
			Operation: operation,
			Status:    reqErr.HTTPStatusCode,
			Kind:      model.KindFromStatus(reqErr.HTTPStatusCode),
			Err:       err,
		}
	}
	return fmt.Errorf("openai %s: %w", operation, err)
}

// codeString renders the loosely typed APIError code, which the API returns
// as either a string or a number.
func codeString(code any) string {
	switch v := code.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
