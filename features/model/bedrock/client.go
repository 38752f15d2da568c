// Package bedrock adapts the AWS Bedrock Converse API to the model.Client
// contract. System messages move into Converse system blocks, tool schemas
// are encoded as smithy documents, and throttling surfaces as a rate-limited
// provider error so middleware can back off.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"pipelit.dev/pipelit/runtime/model"
	"pipelit.dev/pipelit/runtime/node"
)

const providerName = "bedrock"

type (
	// RuntimeClient captures the subset of the Bedrock runtime client the
	// adapter calls. It is satisfied by *bedrockruntime.Client so tests can
	// substitute a fake.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the adapter.
	Options struct {
		// Runtime issues the Converse calls. Required.
		Runtime RuntimeClient

		// DefaultModel is the model identifier used when Request.Model is
		// empty. Required.
		DefaultModel string

		// MaxTokens caps completions when a request does not set MaxTokens.
		// Zero lets Bedrock apply its own default.
		MaxTokens int

		// Temperature is used when a request does not set Temperature.
		Temperature float32
	}

	// Client implements model.Client on top of Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float32
	}
)

var _ model.Client = (*Client)(nil)

// New builds a Bedrock-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromStaticCredentials wires a runtime client against one region with
// fixed credentials, bypassing the SDK's config resolution chain. Deployments
// that want instance roles or profiles should build the runtime client
// themselves and pass it through Options.
func NewFromStaticCredentials(region, accessKeyID, secretAccessKey, sessionToken string, opts Options) (*Client, error) {
	if region == "" {
		return nil, errors.New("bedrock region is required")
	}
	if accessKeyID == "" || secretAccessKey == "" {
		return nil, errors.New("bedrock credentials are required")
	}
	opts.Runtime = bedrockruntime.New(bedrockruntime.Options{
		Region: region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     accessKeyID,
				SecretAccessKey: secretAccessKey,
				SessionToken:    sessionToken,
				Source:          "pipelit static credentials",
			}, nil
		}),
	})
	return New(opts)
}

// Complete issues one Converse call and translates the response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	input, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return model.Response{}, wrapError("converse", err)
	}
	return translateResponse(output)
}

func (c *Client) prepareRequest(req model.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	toolConfig, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input, nil
}

// encodeMessages splits the flat transcript into Converse messages and system
// blocks. Converse requires strictly alternating roles, so adjacent
// same-role turns (a user prompt followed by tool output, say) collapse into
// one multi-block message.
func encodeMessages(msgs []node.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var conversation []brtypes.Message
	var system []brtypes.SystemContentBlock
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case "system":
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			continue
		case "user", "tool":
			role = brtypes.ConversationRoleUser
		case "assistant":
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		block := &brtypes.ContentBlockMemberText{Value: m.Content}
		if n := len(conversation); n > 0 && conversation[n-1].Role == role {
			conversation[n-1].Content = append(conversation[n-1].Content, block)
			continue
		}
		conversation = append(conversation, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{block},
		})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("bedrock: tool name is required")
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(def.InputSchema)},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}

func toDocument(schema map[string]any) document.Interface {
	if len(schema) == 0 {
		return document.NewLazyDocument(map[string]any{"type": "object"})
	}
	return document.NewLazyDocument(schema)
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens)) //nolint:gosec // provider caps stay far below int32 range
	}
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func translateResponse(output *bedrockruntime.ConverseOutput) (model.Response, error) {
	if output == nil {
		return model.Response{}, errors.New("bedrock: response is nil")
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return model.Response{}, fmt.Errorf("bedrock: unexpected output type %T", output.Output)
	}
	var out model.Response
	var text strings.Builder
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			text.WriteString(v.Value)
		case *brtypes.ContentBlockMemberToolUse:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:   aws.ToString(v.Value.ToolUseId),
				Name: aws.ToString(v.Value.Name),
				Args: decodeToolInput(v.Value.Input),
			})
		}
	}
	out.Text = text.String()
	out.StopReason = string(output.StopReason)
	if usage := output.Usage; usage != nil {
		out.Usage = node.TokenUsage{
			InputTokens:  int64(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int64(aws.ToInt32(usage.OutputTokens)),
		}
	}
	return out, nil
}

func decodeToolInput(doc document.Interface) map[string]any {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return map[string]any{"raw": string(data)}
	}
	return args
}

// wrapError classifies Converse failures. Bedrock signals throttling through
// modeled exception codes rather than bare HTTP statuses, so codes are
// inspected before the transport status.
func wrapError(operation string, err error) error {
	var status int
	var code string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	if status == 0 && code == "" {
		return fmt.Errorf("bedrock %s: %w", operation, err)
	}

	kind := model.KindFromStatus(status)
	switch code {
	case "ThrottlingException", "TooManyRequestsException":
		kind = model.ProviderErrorKindRateLimited
	case "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException", "ModelNotReadyException":
		kind = model.ProviderErrorKindUnavailable
	case "AccessDeniedException", "UnrecognizedClientException":
		kind = model.ProviderErrorKindAuth
	case "ValidationException":
		kind = model.ProviderErrorKindInvalidRequest
	}
	return &model.ProviderError{
		Provider:  providerName,
		Operation: operation,
		Status:    status,
		Kind:      kind,
		Code:      code,
		Err:       err,
	}
}
