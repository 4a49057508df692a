// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the client internals (socket, messenger,
// registry, schema layer, bridge) to subscribers (CLI output, future metrics
// collector). The bus is also the client's error channel: recoverable faults
// such as inbound value validation failures are published here rather than
// tearing down the connection. The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSocket identifies events from the WebSocket layer.
	SourceSocket = "socket"
	// SourceMessenger identifies events from the control-message layer.
	SourceMessenger = "messenger"
	// SourceRegistry identifies events from the pub/sub registry.
	SourceRegistry = "registry"
	// SourceSchema identifies events from the protobuf schema layer.
	SourceSchema = "schema"
	// SourceBridge identifies events from the MQTT bridge.
	SourceBridge = "bridge"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnect signals the WebSocket reached the OPEN state.
	// Data: url.
	KindConnect = "connect"
	// KindDisconnect signals the WebSocket was lost or closed.
	// Data: url. Err holds the transport error when there was one.
	KindDisconnect = "disconnect"
	// KindAnnounce signals the server announced a topic.
	// Data: name, id, type.
	KindAnnounce = "announce"
	// KindUnannounce signals the server withdrew a topic.
	// Data: name, id.
	KindUnannounce = "unannounce"
	// KindValueError signals an inbound value failed type validation.
	// Data: name, id, type. Err holds the validation error.
	KindValueError = "value_error"
	// KindReplay signals reconnect replay completed.
	// Data: subscriptions, publications.
	KindReplay = "replay"
	// KindSchemaCached signals a protobuf schema root was cached.
	// Data: name.
	KindSchemaCached = "schema_cached"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
	// Err carries the error for fault kinds (value_error, disconnect).
	Err error `json:"-"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// interactive consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
