package pulse

import (
	"context"
	"errors"

	clientspulse "pipelit.dev/pipelit/features/stream/pulse/clients/pulse"
	"pipelit.dev/pipelit/runtime/stream"
)

// RuntimeStreams wires a caller-provided Pulse client into the execution
// core. It owns a publishing sink (handed to stream.NewBridge) and spawns
// subscribers that reuse the same client, so services manage one Redis
// connection pool for both directions.
type RuntimeStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// RuntimeStreamsOptions configures the helper returned by NewRuntimeStreams.
type RuntimeStreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing.
	// Required; typically built via clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink (stream ID
	// derivation, marshaling, publish hook). Leave zero-valued for defaults.
	Sink Options
}

// NewRuntimeStreams constructs helpers for publishing status events to Pulse
// and subscribing to the resulting streams. Callers bridge the returned sink
// onto the hooks bus and keep the helper around to create subscribers (e.g.
// SSE fan-out) later on.
func NewRuntimeStreams(opts RuntimeStreamsOptions) (*RuntimeStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &RuntimeStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink for bridge wiring.
func (r *RuntimeStreams) Sink() stream.Sink {
	return r.sink
}

// NewSubscriber constructs a subscriber that reuses the helper's client.
func (r *RuntimeStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink and the underlying client. Call during
// service shutdown after all subscribers have been canceled.
func (r *RuntimeStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
