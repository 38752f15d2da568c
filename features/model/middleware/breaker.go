package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"pipelit.dev/pipelit/runtime/model"
	"pipelit.dev/pipelit/runtime/telemetry"
)

// BreakerOptions tunes the circuit breaker middleware.
type BreakerOptions struct {
	// Name identifies the breaker in logs, usually the provider name.
	Name string

	// ConsecutiveFailures trips the breaker once reached. Default 5.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before letting a probe
	// through. Default 30s.
	OpenTimeout time.Duration

	// HalfOpenRequests caps concurrent probes while half-open. Default 1.
	HalfOpenRequests uint32

	// Logger records state transitions. Optional.
	Logger telemetry.Logger
}

// NewBreaker returns a model.Client wrapper that fails fast during sustained
// provider outages instead of queueing work behind a dead backend. Caller
// cancellation and throttling do not count as failures; backpressure belongs
// to the rate limiter.
func NewBreaker(opts BreakerOptions) func(model.Client) model.Client {
	name := opts.Name
	if name == "" {
		name = "model"
	}
	failures := opts.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	timeout := opts.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	halfOpen := opts.HalfOpenRequests
	if halfOpen == 0 {
		halfOpen = 1
	}
	logger := opts.Logger

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpen,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, model.ErrRateLimited)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn(context.Background(), "model breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			}
		},
	})

	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &breakerClient{next: next, cb: cb}
	}
}

type breakerClient struct {
	next model.Client
	cb   *gobreaker.CircuitBreaker
}

// Complete runs the call through the breaker. While the breaker is open the
// call fails immediately with gobreaker.ErrOpenState.
func (c *breakerClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	out, err := c.cb.Execute(func() (any, error) {
		resp, err := c.next.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return model.Response{}, err
	}
	return out.(model.Response), nil
}

// Chain composes client wrappers so the first listed is outermost.
func Chain(client model.Client, wrappers ...func(model.Client) model.Client) model.Client {
	for i := len(wrappers) - 1; i >= 0; i-- {
		client = wrappers[i](client)
	}
	return client
}
