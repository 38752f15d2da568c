// Package providers resolves bound model nodes into provider-backed
// clients. It is the glue between graph bindings (model_openai,
// model_anthropic and model_bedrock nodes plus their resolved credentials)
// and the SDK adapters under features/model.
package providers

import (
	"fmt"

	"pipelit.dev/pipelit/features/model/anthropic"
	"pipelit.dev/pipelit/features/model/bedrock"
	"pipelit.dev/pipelit/features/model/openai"
	"pipelit.dev/pipelit/runtime/components"
	"pipelit.dev/pipelit/runtime/model"
	"pipelit.dev/pipelit/runtime/workflow"
)

// defaultMaxTokens caps completions when the node config does not set one.
// The Anthropic Messages API rejects requests without an explicit cap.
const defaultMaxTokens = 4096

// Options tunes the clients the factory hands out.
type Options struct {
	// MaxTokens replaces the default completion cap for providers that
	// require one.
	MaxTokens int

	// Middleware wraps every constructed client, first entry outermost.
	// A typical stack is middleware.NewBreaker outside and an adaptive
	// rate limiter inside.
	Middleware []func(model.Client) model.Client

	// BedrockRuntime overrides the Bedrock runtime client. When nil the
	// factory builds one from the node's region config and static
	// credentials. Deployments on instance roles supply their own.
	BedrockRuntime bedrock.RuntimeClient
}

// Factory returns a components.ModelFactory that switches on the bound
// node's component type. The returned factory reads the model identifier
// from the node config and the secrets from the resolved credential bundle.
func Factory(opts Options) components.ModelFactory {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return func(bound workflow.BoundCapability) (model.Client, error) {
		client, err := build(bound, opts)
		if err != nil {
			return nil, err
		}
		for i := len(opts.Middleware) - 1; i >= 0; i-- {
			client = opts.Middleware[i](client)
		}
		return client, nil
	}
}

func build(bound workflow.BoundCapability, opts Options) (model.Client, error) {
	n := bound.Node
	modelID := n.Config.ExtraString("model")
	if modelID == "" {
		return nil, fmt.Errorf("model node %q: missing model identifier", n.ID)
	}

	switch n.Type {
	case components.TypeModelOpenAI:
		key := bound.Credentials["api_key"]
		if key == "" {
			return nil, fmt.Errorf("model node %q: missing api_key credential", n.ID)
		}
		return openai.NewFromAPIKey(key, modelID, n.Config.ExtraString("base_url"))

	case components.TypeModelAnthropic:
		key := bound.Credentials["api_key"]
		if key == "" {
			return nil, fmt.Errorf("model node %q: missing api_key credential", n.ID)
		}
		return anthropic.NewFromAPIKey(key, anthropic.Options{
			DefaultModel: modelID,
			MaxTokens:    opts.MaxTokens,
		})

	case components.TypeModelBedrock:
		bopts := bedrock.Options{
			Runtime:      opts.BedrockRuntime,
			DefaultModel: modelID,
			MaxTokens:    opts.MaxTokens,
		}
		if bopts.Runtime != nil {
			return bedrock.New(bopts)
		}
		region := n.Config.ExtraString("region")
		if region == "" {
			return nil, fmt.Errorf("model node %q: missing region config", n.ID)
		}
		return bedrock.NewFromStaticCredentials(
			region,
			bound.Credentials["access_key_id"],
			bound.Credentials["secret_access_key"],
			bound.Credentials["session_token"],
			bopts,
		)
	}
	return nil, fmt.Errorf("model node %q: unsupported provider type %q", n.ID, n.Type)
}
