// Package nats exposes a stream.Sink that publishes execution status events
// to NATS subjects. Events land on execution.{id} and workflow.{slug} so UIs
// subscribe per execution while dashboards watch whole workflows; an optional
// prefix namespaces the subjects per deployment.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"pipelit.dev/pipelit/runtime/hooks"
	"pipelit.dev/pipelit/runtime/stream"
)

const sinkName = "stream-nats"

type (
	// Conn is the subset of *nats.Conn the sink uses. The narrow interface
	// keeps tests free of a running server.
	Conn interface {
		// Publish sends data on the subject. Fire-and-forget.
		Publish(subject string, data []byte) error
		// FlushWithContext pushes buffered publishes to the server.
		FlushWithContext(ctx context.Context) error
		// IsConnected reports whether the connection is live.
		IsConnected() bool
	}

	// Options configures the NATS sink.
	Options struct {
		// Conn is the NATS connection. Required. The caller owns its
		// lifecycle; Close only flushes.
		Conn Conn
		// SubjectPrefix namespaces every subject, e.g. "pipelit" publishes to
		// pipelit.execution.{id}. Empty means no prefix.
		SubjectPrefix string
		// Subjects derives the target subjects from an event. The default
		// publishes to execution.{id} and workflow.{slug}, skipping whichever
		// is empty.
		Subjects func(stream.Event) []string
		// MarshalEnvelope overrides envelope serialization, primarily for
		// tests.
		MarshalEnvelope func(Envelope) ([]byte, error)
	}

	// Sink publishes status events to NATS subjects. Safe for concurrent
	// Send calls.
	Sink struct {
		conn     Conn
		prefix   string
		subjects func(stream.Event) []string
		marshal  func(Envelope) ([]byte, error)

		// ownsConn is set by Connect; Close then drains the connection
		// instead of just flushing.
		ownsConn *natsgo.Conn
	}

	// Envelope is the wire form of a status event. Exported so consumers
	// decode captured messages without depending on the sink internals.
	Envelope struct {
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
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink constructs a NATS-backed status sink. The Conn field is required;
// the rest is optional.
func NewSink(opts Options) (*Sink, error) {
	if opts.Conn == nil {
		return nil, errors.New("nats connection is required")
	}
	s := &Sink{
		conn:     opts.Conn,
		prefix:   opts.SubjectPrefix,
		subjects: defaultSubjects,
		marshal:  marshalEnvelope,
	}
	if opts.Subjects != nil {
		s.subjects = opts.Subjects
	}
	if opts.MarshalEnvelope != nil {
		s.marshal = opts.MarshalEnvelope
	}
	return s, nil
}

// Connect dials the NATS server and returns a sink that owns the connection:
// Close drains and closes it. The Conn field in opts is ignored. Additional
// nats options are appended after the defaults (client name, unlimited
// reconnects) so callers can override them.
func Connect(url string, opts Options, natsOpts ...natsgo.Option) (*Sink, error) {
	base := []natsgo.Option{
		natsgo.Name("pipelit-stream"),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
	}
	nc, err := natsgo.Connect(url, append(base, natsOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	opts.Conn = nc
	s, err := NewSink(opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.ownsConn = nc
	return s, nil
}

// Send publishes the event on every derived subject. Publish failures on
// individual subjects are joined so one slow consumer path does not hide the
// others.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subjects := s.subjects(event)
	if len(subjects) == 0 {
		return errors.New("stream event missing execution id and workflow slug")
	}
	ts := event.Timestamp()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return fmt.Errorf("nats marshal payload: %w", err)
	}
	data, err := s.marshal(Envelope{
		Type:         string(event.Type()),
		ExecutionID:  event.ExecutionID(),
		WorkflowSlug: event.WorkflowSlug(),
		Timestamp:    ts,
		Payload:      payload,
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, subject := range subjects {
		if s.prefix != "" {
			subject = s.prefix + "." + subject
		}
		if err := s.conn.Publish(subject, data); err != nil {
			errs = append(errs, fmt.Errorf("nats publish %s: %w", subject, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes buffered publishes. Sinks built by Connect drain and close
// their connection; for the rest the caller owns the connection and closes it
// after the sink.
func (s *Sink) Close(ctx context.Context) error {
	if s.ownsConn != nil {
		if err := s.ownsConn.Drain(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
			s.ownsConn.Close()
			return err
		}
		s.ownsConn.Close()
		return nil
	}
	return s.conn.FlushWithContext(ctx)
}

// Name identifies the sink in health reports.
func (s *Sink) Name() string { return sinkName }

// Ping reports connection liveness.
func (s *Sink) Ping(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return errors.New("nats connection is down")
	}
	return nil
}

// defaultSubjects routes events to execution.{id} and workflow.{slug}.
func defaultSubjects(event stream.Event) []string {
	subjects := make([]string, 0, 2)
	if id := event.ExecutionID(); id != "" {
		subjects = append(subjects, "execution."+id)
	}
	if slug := event.WorkflowSlug(); slug != "" {
		subjects = append(subjects, "workflow."+slug)
	}
	return subjects
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope converts a message captured from a subject back into a
// status event. The payload stays as raw JSON.
func DecodeEnvelope(data []byte) (stream.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("nats decode envelope: %w", err)
	}
	return decodedEvent{env: env}, nil
}

// decodedEvent implements stream.Event for envelopes read back from NATS.
type decodedEvent struct {
	env Envelope
}

var _ stream.Event = decodedEvent{}

func (e decodedEvent) Type() stream.EventType { return stream.EventType(e.env.Type) }
func (e decodedEvent) ExecutionID() string    { return e.env.ExecutionID }
func (e decodedEvent) WorkflowSlug() string   { return e.env.WorkflowSlug }
func (e decodedEvent) Timestamp() time.Time   { return e.env.Timestamp }
func (e decodedEvent) Payload() any           { return e.env.Payload }

func (e decodedEvent) Channels() []string {
	chs := make([]string, 0, 2)
	if e.env.ExecutionID != "" {
		chs = append(chs, hooks.ExecutionChannel(e.env.ExecutionID))
	}
	if e.env.WorkflowSlug != "" {
		chs = append(chs, hooks.WorkflowChannel(e.env.WorkflowSlug))
	}
	return chs
}
