package middleware

import (
	"context"

	"pipelit.dev/pipelit/runtime/model"
	"pipelit.dev/pipelit/runtime/telemetry"
)

// NewUsageRecorder returns a model.Client wrapper that records token counts
// per provider on every successful completion.
func NewUsageRecorder(metrics telemetry.Metrics, provider string) func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil || metrics == nil {
			return next
		}
		return &usageClient{next: next, metrics: metrics, provider: provider}
	}
}

type usageClient struct {
	next     model.Client
	metrics  telemetry.Metrics
	provider string
}

func (c *usageClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		return resp, err
	}
	if resp.Usage.InputTokens > 0 {
		c.metrics.IncCounter(telemetry.MetricModelTokens, float64(resp.Usage.InputTokens),
			"provider", c.provider, "direction", "input")
	}
	if resp.Usage.OutputTokens > 0 {
		c.metrics.IncCounter(telemetry.MetricModelTokens, float64(resp.Usage.OutputTokens),
			"provider", c.provider, "direction", "output")
	}
	return resp, nil
}
