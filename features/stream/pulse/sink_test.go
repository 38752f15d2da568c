package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "pipelit.dev/pipelit/features/stream/pulse/clients/pulse"
	"pipelit.dev/pipelit/runtime/stream"
)

type fakeClient struct {
	stream     func(name string, opts ...streamopts.Stream) (clientspulse.Stream, error)
	closeCount int
	lastStream string
}

func (f *fakeClient) Stream(name string, opts ...streamopts.Stream) (clientspulse.Stream, error) {
	f.lastStream = name
	if f.stream == nil {
		return nil, errors.New("no stream configured")
	}
	return f.stream(name, opts...)
}

func (f *fakeClient) Close(ctx context.Context) error {
	f.closeCount++
	return nil
}

type fakeStream struct {
	add        func(ctx context.Context, event string, payload []byte) (string, error)
	group      *fakeGroup
	newSinkErr error
	lastSink   string
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if f.add == nil {
		return "0-0", nil
	}
	return f.add(ctx, event, payload)
}

func (f *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	f.lastSink = name
	if f.newSinkErr != nil {
		return nil, f.newSinkErr
	}
	return f.group, nil
}

func (f *fakeStream) Destroy(ctx context.Context) error { return nil }

type fakeGroup struct {
	events chan *streaming.Event
	acked  []string
	ackErr error
	closed bool
}

func (f *fakeGroup) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeGroup) Ack(_ context.Context, evt *streaming.Event) error {
	f.acked = append(f.acked, evt.ID)
	return f.ackErr
}

func (f *fakeGroup) Close(context.Context) { f.closed = true }

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.EqualError(t, err, "pulse client is required")
}

func TestSendPublishesEnvelope(t *testing.T) {
	str := &fakeStream{}
	str.add = func(ctx context.Context, event string, payload []byte) (string, error) {
		require.Equal(t, string(stream.EventNodeStatus), event)
		var env envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		require.Equal(t, "node_status", env.Type)
		require.Equal(t, "exec-123", env.ExecutionID)
		require.Equal(t, "support-triage", env.WorkflowSlug)
		require.False(t, env.Timestamp.IsZero())
		body, ok := env.Payload.(map[string]any)
		require.True(t, ok)
		require.Equal(t, "llm-1", body["node_id"])
		require.Equal(t, "success", body["status"])
		return "1-0", nil
	}
	cli := &fakeClient{stream: func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		require.Equal(t, "execution/exec-123", name)
		return str, nil
	}}

	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	evt := stream.NewNodeStatus("exec-123", "support-triage", stream.NodeStatusPayload{
		NodeID: "llm-1",
		Status: "success",
		Output: map[string]any{"text": "hi"},
	})
	require.NoError(t, sink.Send(context.Background(), evt))
}

func TestScheduleEventsLandOnWorkflowStream(t *testing.T) {
	str := &fakeStream{}
	cli := &fakeClient{stream: func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		return str, nil
	}}

	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	evt := stream.NewScheduleFired("daily-digest", stream.ScheduleFiredPayload{
		ScheduledJobID: "job-1",
		RepeatDone:     2,
	})
	require.NoError(t, sink.Send(context.Background(), evt))
	require.Equal(t, "workflow/daily-digest", cli.lastStream)
}

func TestSendRequiresIdentity(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{}})
	require.NoError(t, err)

	evt := stream.NewGraphMutation(stream.EventNodeCreated, "", nil)
	err = sink.Send(context.Background(), evt)
	require.EqualError(t, err, "stream event missing execution id and workflow slug")
}

func TestCustomStreamID(t *testing.T) {
	str := &fakeStream{}
	cli := &fakeClient{stream: func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		require.Equal(t, "custom/exec-1", name)
		return str, nil
	}}

	sink, err := NewSink(Options{
		Client: cli,
		StreamID: func(e stream.Event) (string, error) {
			return "custom/" + e.ExecutionID(), nil
		},
	})
	require.NoError(t, err)

	evt := stream.NewExecutionCancelled("exec-1", "support-triage")
	require.NoError(t, sink.Send(context.Background(), evt))
}

func TestOnPublishedCalled(t *testing.T) {
	str := &fakeStream{add: func(ctx context.Context, event string, payload []byte) (string, error) {
		return "42-0", nil
	}}
	cli := &fakeClient{stream: func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		return str, nil
	}}

	var published []PublishedEvent
	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(ctx context.Context, ev PublishedEvent) error {
			require.NotNil(t, ctx)
			published = append(published, ev)
			return nil
		},
	})
	require.NoError(t, err)

	evt := stream.NewExecutionCompleted("exec-1", "support-triage", stream.ExecutionCompletedPayload{
		ExecutionID: "exec-1",
		Status:      "completed",
		DurationMS:  1200,
	})
	require.NoError(t, sink.Send(context.Background(), evt))
	require.Len(t, published, 1)
	require.Equal(t, "42-0", published[0].EntryID)
	require.Equal(t, "execution/exec-1", published[0].StreamID)
	require.Equal(t, stream.EventExecutionCompleted, published[0].Event.Type())
}

func TestOnPublishedErrorPropagates(t *testing.T) {
	str := &fakeStream{}
	cli := &fakeClient{stream: func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		return str, nil
	}}

	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(ctx context.Context, ev PublishedEvent) error {
			return errors.New("after-publish")
		},
	})
	require.NoError(t, err)

	evt := stream.NewExecutionFailed("exec-1", "support-triage", stream.ExecutionFailedPayload{
		ExecutionID: "exec-1",
		Error:       "boom",
	})
	require.EqualError(t, sink.Send(context.Background(), evt), "after-publish")
}

func TestStreamCreationError(t *testing.T) {
	cli := &fakeClient{stream: func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		return nil, errors.New("boom")
	}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	evt := stream.NewExecutionCancelled("exec-1", "support-triage")
	require.EqualError(t, sink.Send(context.Background(), evt), "boom")
}

func TestAddError(t *testing.T) {
	str := &fakeStream{add: func(ctx context.Context, event string, payload []byte) (string, error) {
		return "", errors.New("add-failed")
	}}
	cli := &fakeClient{stream: func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		return str, nil
	}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	evt := stream.NewExecutionCancelled("exec-1", "support-triage")
	require.EqualError(t, sink.Send(context.Background(), evt), "add-failed")
}

func TestCloseDelegates(t *testing.T) {
	cli := &fakeClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.Equal(t, 1, cli.closeCount)
}
