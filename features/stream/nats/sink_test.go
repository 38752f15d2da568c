package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"pipelit.dev/pipelit/runtime/stream"
)

type publishedMsg struct {
	subject string
	data    []byte
}

type fakeConn struct {
	published []publishedMsg
	pubErr    map[string]error
	flushed   int
	flushErr  error
	connected bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if err := f.pubErr[subject]; err != nil {
		return err
	}
	f.published = append(f.published, publishedMsg{subject: subject, data: data})
	return nil
}

func (f *fakeConn) FlushWithContext(ctx context.Context) error {
	f.flushed++
	return f.flushErr
}

func (f *fakeConn) IsConnected() bool { return f.connected }

func (f *fakeConn) subjects() []string {
	out := make([]string, len(f.published))
	for i, m := range f.published {
		out[i] = m.subject
	}
	return out
}

func TestNewSinkRequiresConn(t *testing.T) {
	_, err := NewSink(Options{})
	require.EqualError(t, err, "nats connection is required")
}

func TestSendPublishesToExecutionAndWorkflowSubjects(t *testing.T) {
	conn := &fakeConn{}
	sink, err := NewSink(Options{Conn: conn})
	require.NoError(t, err)

	evt := stream.NewNodeStatus("exec-123", "support-triage", stream.NodeStatusPayload{
		NodeID: "llm-1",
		Status: "running",
	})
	require.NoError(t, sink.Send(context.Background(), evt))

	require.Equal(t, []string{"execution.exec-123", "workflow.support-triage"}, conn.subjects())
	require.Equal(t, conn.published[0].data, conn.published[1].data)

	var env Envelope
	require.NoError(t, json.Unmarshal(conn.published[0].data, &env))
	require.Equal(t, "node_status", env.Type)
	require.Equal(t, "exec-123", env.ExecutionID)
	require.Equal(t, "support-triage", env.WorkflowSlug)
	require.False(t, env.Timestamp.IsZero())

	body := make(map[string]any)
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	require.Equal(t, "llm-1", body["node_id"])
	require.Equal(t, "running", body["status"])
}

func TestSendAppliesSubjectPrefix(t *testing.T) {
	conn := &fakeConn{}
	sink, err := NewSink(Options{Conn: conn, SubjectPrefix: "pipelit"})
	require.NoError(t, err)

	evt := stream.NewExecutionCancelled("exec-1", "support-triage")
	require.NoError(t, sink.Send(context.Background(), evt))
	require.Equal(t, []string{"pipelit.execution.exec-1", "pipelit.workflow.support-triage"}, conn.subjects())
}

func TestScheduleEventsUseWorkflowSubjectOnly(t *testing.T) {
	conn := &fakeConn{}
	sink, err := NewSink(Options{Conn: conn})
	require.NoError(t, err)

	evt := stream.NewScheduleFired("daily-digest", stream.ScheduleFiredPayload{
		ScheduledJobID: "job-1",
		RepeatDone:     3,
	})
	require.NoError(t, sink.Send(context.Background(), evt))
	require.Equal(t, []string{"workflow.daily-digest"}, conn.subjects())
}

func TestSendRequiresIdentity(t *testing.T) {
	sink, err := NewSink(Options{Conn: &fakeConn{}})
	require.NoError(t, err)

	evt := stream.NewGraphMutation(stream.EventNodeCreated, "", nil)
	err = sink.Send(context.Background(), evt)
	require.EqualError(t, err, "stream event missing execution id and workflow slug")
}

func TestCustomSubjects(t *testing.T) {
	conn := &fakeConn{}
	sink, err := NewSink(Options{
		Conn: conn,
		Subjects: func(e stream.Event) []string {
			return []string{"audit.events"}
		},
	})
	require.NoError(t, err)

	evt := stream.NewExecutionCancelled("exec-1", "support-triage")
	require.NoError(t, sink.Send(context.Background(), evt))
	require.Equal(t, []string{"audit.events"}, conn.subjects())
}

func TestPublishErrorsDoNotStopOtherSubjects(t *testing.T) {
	conn := &fakeConn{pubErr: map[string]error{
		"execution.exec-1": errors.New("slow consumer"),
	}}
	sink, err := NewSink(Options{Conn: conn})
	require.NoError(t, err)

	evt := stream.NewExecutionCancelled("exec-1", "support-triage")
	err = sink.Send(context.Background(), evt)
	require.ErrorContains(t, err, "nats publish execution.exec-1")
	require.ErrorContains(t, err, "slow consumer")

	// The workflow subject still received the event.
	require.Equal(t, []string{"workflow.support-triage"}, conn.subjects())
}

func TestSendHonorsContext(t *testing.T) {
	conn := &fakeConn{}
	sink, err := NewSink(Options{Conn: conn})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sink.Send(ctx, stream.NewExecutionCancelled("exec-1", "wf"))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, conn.published)
}

func TestCloseFlushes(t *testing.T) {
	conn := &fakeConn{}
	sink, err := NewSink(Options{Conn: conn})
	require.NoError(t, err)

	require.NoError(t, sink.Close(context.Background()))
	require.Equal(t, 1, conn.flushed)
}

func TestPingReportsConnectionState(t *testing.T) {
	conn := &fakeConn{connected: true}
	sink, err := NewSink(Options{Conn: conn})
	require.NoError(t, err)

	require.Equal(t, "stream-nats", sink.Name())
	require.NoError(t, sink.Ping(context.Background()))

	conn.connected = false
	require.EqualError(t, sink.Ping(context.Background()), "nats connection is down")
}

func TestDecodeEnvelopeRoundTrip(t *testing.T) {
	conn := &fakeConn{}
	sink, err := NewSink(Options{Conn: conn})
	require.NoError(t, err)

	sent := stream.NewExecutionInterrupted("exec-9", "support-triage", stream.ExecutionInterruptedPayload{
		ExecutionID: "exec-9",
		Reason:      "human_confirmation",
		NodeID:      "confirm-1",
		Prompt:      "Approve refund of $42?",
	})
	require.NoError(t, sink.Send(context.Background(), sent))
	require.Len(t, conn.published, 2)

	got, err := DecodeEnvelope(conn.published[0].data)
	require.NoError(t, err)
	require.Equal(t, stream.EventExecutionInterrupted, got.Type())
	require.Equal(t, "exec-9", got.ExecutionID())
	require.Equal(t, "support-triage", got.WorkflowSlug())
	require.Equal(t, []string{"execution:exec-9", "workflow:support-triage"}, got.Channels())

	var body stream.ExecutionInterruptedPayload
	require.NoError(t, json.Unmarshal(got.Payload().(json.RawMessage), &body))
	require.Equal(t, "human_confirmation", body.Reason)
	require.Equal(t, "confirm-1", body.NodeID)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	require.ErrorContains(t, err, "nats decode envelope")
}
