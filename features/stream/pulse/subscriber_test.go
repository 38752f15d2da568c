package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "pipelit.dev/pipelit/features/stream/pulse/clients/pulse"
	"pipelit.dev/pipelit/runtime/stream"
)

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "pulse client is required")
}

func TestNewSubscriberDefaults(t *testing.T) {
	sub, err := NewSubscriber(SubscriberOptions{Client: &fakeClient{}})
	require.NoError(t, err)
	require.Equal(t, "pipelit_subscriber", sub.name)
	require.Equal(t, 64, sub.buffer)
	require.NotNil(t, sub.decode)
}

func TestSubscribeEmitsEvents(t *testing.T) {
	group := &fakeGroup{events: make(chan *streaming.Event, 1)}
	str := &fakeStream{group: group}
	cli := &fakeClient{stream: func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		require.Equal(t, "execution/exec-123", name)
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "execution/exec-123")
	require.NoError(t, err)
	defer cancel()

	payload, marshalErr := json.Marshal(map[string]any{
		"type":          "node_status",
		"execution_id":  "exec-123",
		"workflow_slug": "support-triage",
		"timestamp":     time.Now().UTC(),
		"payload":       map[string]string{"node_id": "llm-1", "status": "running"},
	})
	require.NoError(t, marshalErr)
	group.events <- &streaming.Event{ID: "1-0", Payload: payload}
	close(group.events)

	var got []stream.Event
	for e := range events {
		got = append(got, e)
	}
	require.Len(t, got, 1)

	e := got[0]
	require.Equal(t, stream.EventNodeStatus, e.Type())
	require.Equal(t, "exec-123", e.ExecutionID())
	require.Equal(t, "support-triage", e.WorkflowSlug())
	require.Equal(t, []string{"execution:exec-123", "workflow:support-triage"}, e.Channels())

	body := make(map[string]string)
	require.NoError(t, json.Unmarshal(e.Payload().(json.RawMessage), &body))
	require.Equal(t, "llm-1", body["node_id"])
	require.Equal(t, "running", body["status"])

	require.Equal(t, "pipelit_subscriber", str.lastSink)
	require.Equal(t, []string{"1-0"}, group.acked)
	require.Empty(t, errs)
}

func TestSubscribeDecoderError(t *testing.T) {
	group := &fakeGroup{events: make(chan *streaming.Event, 1)}
	str := &fakeStream{group: group}
	cli := &fakeClient{stream: func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{
		Client: cli,
		Decoder: func([]byte) (stream.Event, error) {
			return nil, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "execution/exec-1")
	require.NoError(t, err)
	defer cancel()

	group.events <- &streaming.Event{Payload: []byte("{}")}
	close(group.events)

	require.Empty(t, events)
	require.EqualError(t, <-errs, "pulse decode payload: decode error")
}

func TestSubscribeAckErrorReported(t *testing.T) {
	group := &fakeGroup{
		events: make(chan *streaming.Event, 1),
		ackErr: errors.New("ack-failed"),
	}
	str := &fakeStream{group: group}
	cli := &fakeClient{stream: func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 1})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "execution/exec-1")
	require.NoError(t, err)
	defer cancel()

	payload, marshalErr := json.Marshal(map[string]any{
		"type":         "execution_completed",
		"execution_id": "exec-1",
	})
	require.NoError(t, marshalErr)
	group.events <- &streaming.Event{ID: "2-0", Payload: payload}
	close(group.events)

	e := <-events
	require.Equal(t, stream.EventExecutionCompleted, e.Type())
	require.EqualError(t, <-errs, "pulse ack: ack-failed")
}

func TestSubscribeNewSinkError(t *testing.T) {
	str := &fakeStream{newSinkErr: errors.New("group boom")}
	cli := &fakeClient{stream: func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	_, _, _, err = sub.Subscribe(context.Background(), "execution/exec-1")
	require.EqualError(t, err, "group boom")
}

func TestSubscribeCancelClosesChannels(t *testing.T) {
	group := &fakeGroup{events: make(chan *streaming.Event)}
	str := &fakeStream{group: group}
	cli := &fakeClient{stream: func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 1})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "execution/exec-1")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-events:
		require.False(t, ok, "expected closed events channel")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for events close")
	}
	select {
	case _, ok := <-errs:
		require.False(t, ok, "expected closed errs channel")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for errs close")
	}
	require.True(t, group.closed)
}
