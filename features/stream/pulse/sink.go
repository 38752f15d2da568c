// Package pulse exposes a stream.Sink that publishes execution status events
// to goa.design/pulse streams. Services build a Redis client, wrap it in the
// clients/pulse Client and hand the sink to a stream.Bridge; UIs and waiting
// callers subscribe to the resulting streams for live updates.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientspulse "pipelit.dev/pipelit/features/stream/pulse/clients/pulse"
	"pipelit.dev/pipelit/runtime/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes the envelopes. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. The default
		// uses execution/{id}, falling back to workflow/{slug} for events
		// that carry no execution ID (schedule fires, graph mutations).
		StreamID func(stream.Event) (string, error)
		// MarshalEnvelope overrides envelope serialization, primarily for
		// tests.
		MarshalEnvelope func(envelope) ([]byte, error)
		// OnPublished is invoked after each successful publish with the entry
		// ID assigned by Redis. Errors propagate to the Send caller.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// PublishedEvent describes one successfully published event.
	PublishedEvent struct {
		// Event is the status event that was published.
		Event stream.Event
		// StreamID names the Pulse stream the event landed on.
		StreamID string
		// EntryID is the Redis-assigned entry ID.
		EntryID string
	}

	// Sink publishes status events into Pulse streams. Safe for concurrent
	// Send calls.
	Sink struct {
		client clientspulse.Client
		opts   sinkOptions
	}

	sinkOptions struct {
		streamID        func(stream.Event) (string, error)
		marshalEnvelope func(envelope) ([]byte, error)
		onPublished     func(context.Context, PublishedEvent) error
	}

	// envelope wraps status events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind (e.g. "node_status").
		Type string `json:"type"`
		// ExecutionID links the event to one execution. Empty for schedule
		// fires and graph mutations.
		ExecutionID string `json:"execution_id,omitempty"`
		// WorkflowSlug names the workflow the event belongs to.
		WorkflowSlug string `json:"workflow_slug,omitempty"`
		// Timestamp records when the event was created (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed status sink. The Client field is
// required; StreamID, MarshalEnvelope and OnPublished are optional.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
		onPublished:     opts.OnPublished,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Send publishes the event to the derived Pulse stream. It derives the stream
// ID, wraps the event in an envelope, marshals it and publishes through the
// client.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.opts.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	ts := event.Timestamp()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	env := envelope{
		Type:         string(event.Type()),
		ExecutionID:  event.ExecutionID(),
		WorkflowSlug: event.WorkflowSlug(),
		Timestamp:    ts,
		Payload:      event.Payload(),
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	id, err := handle.Add(ctx, env.Type, payload)
	if err != nil {
		return err
	}
	if s.opts.onPublished != nil {
		return s.opts.onPublished(ctx, PublishedEvent{Event: event, StreamID: streamID, EntryID: id})
	}
	return nil
}

// Close releases resources owned by the sink by delegating to the client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID routes execution-scoped events to execution/{id} and the
// rest to workflow/{slug}.
func defaultStreamID(event stream.Event) (string, error) {
	if id := event.ExecutionID(); id != "" {
		return "execution/" + id, nil
	}
	if slug := event.WorkflowSlug(); slug != "" {
		return "workflow/" + slug, nil
	}
	return "", errors.New("stream event missing execution id and workflow slug")
}

func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
