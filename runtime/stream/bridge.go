package stream

import (
	"context"
	"sync"

	"pipelit.dev/pipelit/runtime/hooks"
	"pipelit.dev/pipelit/runtime/telemetry"
)

type (
	// Bridge forwards every status event published on a hooks.Bus to a Sink.
	// It subscribes to the catch-all channel so executions never have to
	// register their channels with the transport. Send failures are logged
	// and skipped; the bridge never applies back-pressure to execution.
	Bridge struct {
		sub  *hooks.Subscription
		sink Sink
		log  telemetry.Logger

		wg   sync.WaitGroup
		once sync.Once
	}

	// BridgeOption configures a Bridge.
	BridgeOption func(*bridgeOptions)

	bridgeOptions struct {
		logger telemetry.Logger
		buffer int
	}
)

// WithBridgeLogger sets the logger used for send failures.
func WithBridgeLogger(log telemetry.Logger) BridgeOption {
	return func(o *bridgeOptions) { o.logger = log }
}

// WithBridgeBuffer sets the subscription buffer size.
func WithBridgeBuffer(n int) BridgeOption {
	return func(o *bridgeOptions) { o.buffer = n }
}

func applyBridgeDefaults(opts []BridgeOption) bridgeOptions {
	o := bridgeOptions{
		logger: telemetry.NewNoopLogger(),
		buffer: 256,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewBridge subscribes to the bus and starts forwarding events to the sink.
// The bridge owns its subscription but not the sink; callers close the sink
// after closing the bridge.
func NewBridge(bus *hooks.Bus, sink Sink, opts ...BridgeOption) *Bridge {
	o := applyBridgeDefaults(opts)
	b := &Bridge{
		sub:  bus.SubscribeBuffered(hooks.ChannelAll, o.buffer),
		sink: sink,
		log:  o.logger,
	}
	b.wg.Add(1)
	go b.forward()
	return b
}

func (b *Bridge) forward() {
	defer b.wg.Done()
	ctx := context.Background()
	for evt := range b.sub.C() {
		se, ok := evt.(Event)
		if !ok {
			continue
		}
		if err := b.sink.Send(ctx, se); err != nil {
			b.log.Warn(ctx, "stream: sink send failed",
				"event", string(se.Type()),
				"execution_id", se.ExecutionID(),
				"err", err)
		}
	}
}

// Close stops forwarding and drains the subscription. It does not close the
// sink.
func (b *Bridge) Close(context.Context) error {
	b.once.Do(func() {
		_ = b.sub.Close()
		b.wg.Wait()
	})
	return nil
}
