// Package anthropic adapts the Anthropic Messages API to the model.Client
// contract using github.com/anthropics/anthropic-sdk-go. System messages move
// into the request's system blocks and tool transcripts are re-encoded as
// user turns, since the engine keeps conversations as flat role/content
// pairs.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"pipelit.dev/pipelit/runtime/model"
	"pipelit.dev/pipelit/runtime/node"
)

const providerName = "anthropic"

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// Request.Model is empty. Required.
		DefaultModel string

		// MaxTokens is the completion cap applied when a request does not
		// set MaxTokens. The Messages API requires an explicit cap, so when
		// both are zero Complete fails.
		MaxTokens int

		// Temperature is used when a request does not set Temperature.
		Temperature float32
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float32
	}
)

var _ model.Client = (*Client)(nil)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete issues one Messages.New call and translates the response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return model.Response{}, wrapError("messages_new", err)
	}
	return translateResponse(msg)
}

func (c *Client) prepareRequest(req model.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: max_tokens must be positive")
	}
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(float64(temp))
	}
	return params, nil
}

// encodeMessages splits the flat transcript into Claude's conversation and
// system blocks. Tool outputs ride as user turns because the flat form
// carries no tool_use correlation ids.
func encodeMessages(msgs []node.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case "user", "tool":
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("anthropic: tool name is required")
		}
		u := sdk.ToolUnionParamOfTool(toolInputSchema(def.InputSchema), def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(schema map[string]any) sdk.ToolInputSchemaParam {
	if len(schema) == 0 {
		return sdk.ToolInputSchemaParam{}
	}
	return sdk.ToolInputSchemaParam{ExtraFields: schema}
}

func translateResponse(msg *sdk.Message) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	var out model.Response
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: decodeToolInput(block.Input),
			})
		}
	}
	out.Text = text.String()
	out.StopReason = string(msg.StopReason)
	out.Usage = node.TokenUsage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	return out, nil
}

func decodeToolInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return args
}

func wrapError(operation string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &model.ProviderError{
			Provider:  providerName,
			Operation: operation,
			Status:    apiErr.StatusCode,
			Kind:      model.KindFromStatus(apiErr.StatusCode),
			Err:       err,
		}
	}
	return fmt.Errorf("anthropic %s: %w", operation, err)
}
