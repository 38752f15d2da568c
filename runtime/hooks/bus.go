// Package hooks provides the in-process event bus that fans execution
// status events out to subscribers. Publishing is non-blocking: every
// subscriber owns a bounded buffer and the bus drops the oldest buffered
// event when a subscriber falls behind. Status events are hints, not state
// of record, so losing one to a slow consumer is acceptable.
package hooks

import (
	"context"
	"sync"
)

// ChannelAll subscribes to every event published on the bus regardless of
// the channels the event names. Bridges that forward events to external
// sinks use it so they never need to track per-execution channels.
const ChannelAll = "*"

// WorkflowChannel returns the bus channel carrying all events for one
// workflow, keyed by slug.
func WorkflowChannel(slug string) string { return "workflow:" + slug }

// ExecutionChannel returns the bus channel carrying all events for one
// execution.
func ExecutionChannel(executionID string) string { return "execution:" + executionID }

// DefaultBuffer is the per-subscriber buffer size used by Subscribe.
const DefaultBuffer = 64

type (
	// Event is anything the bus can deliver. Events name the channels they
	// belong to; a subscriber receives every event published to a channel it
	// subscribed to, in publish order, subject to buffer overflow.
	Event interface {
		Channels() []string
	}

	// Bus is a thread-safe fan-out of events keyed by channel name.
	// Publish, Subscribe and Subscription.Close may all run concurrently.
	Bus struct {
		// mu protects subs. Publish holds the read lock while offering events
		// so Close (which takes the write lock) can never race a send against
		// closing the subscriber channel.
		mu   sync.RWMutex
		subs map[string]map[*Subscription]struct{}
	}

	// Subscription is an active registration on a Bus. Events arrive on C
	// until Close is called, after which C is closed.
	Subscription struct {
		bus     *Bus
		channel string
		ch      chan Event
		once    sync.Once
	}
)

// NewBus constructs an empty bus ready for use.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for one channel with the default buffer.
func (b *Bus) Subscribe(channel string) *Subscription {
	return b.SubscribeBuffered(channel, DefaultBuffer)
}

// SubscribeBuffered registers a subscriber for one channel with an explicit
// buffer size. A non-positive size falls back to DefaultBuffer.
func (b *Bus) SubscribeBuffered(channel string, size int) *Subscription {
	if size <= 0 {
		size = DefaultBuffer
	}
	s := &Subscription{
		bus:     b,
		channel: channel,
		ch:      make(chan Event, size),
	}
	b.mu.Lock()
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers the event to every subscriber of each channel the event
// names, plus subscribers of ChannelAll. Delivery never blocks: when a
// subscriber buffer is full the oldest buffered event is dropped to make
// room. A nil event is ignored.
func (b *Bus) Publish(_ context.Context, evt Event) {
	if evt == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, channel := range evt.Channels() {
		for sub := range b.subs[channel] {
			sub.offer(evt)
		}
	}
	for sub := range b.subs[ChannelAll] {
		sub.offer(evt)
	}
}

// C returns the receive side of the subscription. The channel is closed by
// Close; ranging over it terminates cleanly once the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unregisters the subscription and closes its channel. It is
// idempotent and safe to call concurrently with Publish.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.channel)
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// offer performs a non-blocking send with drop-oldest overflow. Callers hold
// the bus read lock, which excludes Close from closing ch mid-send.
func (s *Subscription) offer(evt Event) {
	select {
	case s.ch <- evt:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- evt:
	default:
	}
}
