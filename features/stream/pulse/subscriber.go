package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "pipelit.dev/pipelit/features/stream/pulse/clients/pulse"
	"pipelit.dev/pipelit/runtime/hooks"
	"pipelit.dev/pipelit/runtime/stream"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse into status
	// events. Custom decoders handle non-standard envelope formats.
	EnvelopeDecoder func([]byte) (stream.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "pipelit_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the built-in JSON
		// envelope decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes Pulse streams and emits status events. It wraps a
	// Pulse consumer group and decodes incoming envelopes into stream.Event
	// values.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}

	// decodedEvent implements stream.Event for envelopes read back from
	// Pulse. The payload stays as raw JSON; consumers unmarshal what they
	// need.
	decodedEvent struct {
		t  stream.EventType
		x  string
		w  string
		ts time.Time
		b  json.RawMessage
	}
)

var _ stream.Event = decodedEvent{}

func (e decodedEvent) Type() stream.EventType { return e.t }
func (e decodedEvent) ExecutionID() string    { return e.x }
func (e decodedEvent) WorkflowSlug() string   { return e.w }
func (e decodedEvent) Timestamp() time.Time   { return e.ts }
func (e decodedEvent) Payload() any           { return e.b }

func (e decodedEvent) Channels() []string {
	chs := make([]string, 0, 2)
	if e.x != "" {
		chs = append(chs, hooks.ExecutionChannel(e.x))
	}
	if e.w != "" {
		chs = append(chs, hooks.WorkflowChannel(e.w))
	}
	return chs
}

// NewSubscriber constructs a Pulse-backed subscriber. The Client field is
// required; SinkName, Buffer and Decoder default per the field docs.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "pipelit_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a consumer group on the given stream ID and returns
// channels for events and errors. A goroutine consumes from the group,
// decodes envelopes and emits status events. The returned cancel function
// stops consumption, closes the group and closes both channels.
//
// Usage:
//
//	events, errs, cancel, err := sub.Subscribe(ctx, "execution/exec-123")
//	defer cancel()
//	for evt := range events {
//	    // process event
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads from the Pulse group, decodes each envelope and emits it,
// acking after successful emission. Both channels close when ctx is canceled
// or the group channel closes; decode and ack failures are reported on errs
// and end consumption.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default JSON envelope.
func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env struct {
		Type         string          `json:"type"`
		ExecutionID  string          `json:"execution_id"`
		WorkflowSlug string          `json:"workflow_slug"`
		Timestamp    time.Time       `json:"timestamp"`
		Payload      json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return decodedEvent{
		t:  stream.EventType(env.Type),
		x:  env.ExecutionID,
		w:  env.WorkflowSlug,
		ts: env.Timestamp,
		b:  env.Payload,
	}, nil
}
