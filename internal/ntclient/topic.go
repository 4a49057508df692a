package ntclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/nugget/ntgo/internal/nttype"
	"github.com/nugget/ntgo/internal/protocol"
)

// ValueCallback receives a topic value together with the announce params of
// the topic. Before the first announce the params are a sentinel with ID −1
// carrying the topic's name and registered type string.
type ValueCallback func(value any, params protocol.AnnounceParams)

// subscriber is one (callback, options) registration on a topic.
type subscriber struct {
	cb      ValueCallback
	options protocol.SubscriptionOptions
}

// Topic is a named, typed value channel. It tracks the local view of the
// server topic (announced id, last value, last-changed server time) and the
// publisher state machine: Inactive → publish requested → Publisher on the
// announce matching our pubuid → Inactive again on unpublish.
type Topic struct {
	client *Client // non-owning back-reference for messenger access

	name     string
	typeInfo nttype.TypeInfo
	// wireType is the type string sent in publish messages. Defaults to
	// typeInfo.Name; the protobuf layer overrides it with the message
	// type string.
	wireType string

	mu            sync.Mutex
	value         any
	lastChanged   int64
	serverID      int64
	announced     bool
	lastAnnounce  protocol.AnnounceParams
	publisher     bool
	pubuid        int
	pubProperties protocol.Properties
	pending       any // latest unsent value, flushed at announce time
	hasPending    bool
	subscribers   map[int]subscriber
}

func newTopic(client *Client, name string, ti nttype.TypeInfo) *Topic {
	return &Topic{
		client:      client,
		name:        name,
		typeInfo:    ti,
		wireType:    ti.Name,
		serverID:    -1,
		pubuid:      -1,
		subscribers: make(map[int]subscriber),
	}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Type returns the topic's type descriptor.
func (t *Topic) Type() nttype.TypeInfo { return t.typeInfo }

// SetWireType overrides the type string sent in publish messages, for
// layers that publish a base kind under a custom wire type (protobuf
// message types, schema descriptors). Must be called before Publish.
func (t *Topic) SetWireType(wireType string) {
	t.mu.Lock()
	t.wireType = wireType
	t.mu.Unlock()
}

// GetValue returns the current in-memory value, or nil before the first
// value is seen.
func (t *Topic) GetValue() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// LastChangedTime returns the server timestamp of the last value change in
// microseconds.
func (t *Topic) LastChangedTime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastChanged
}

// Announced reports whether the server has assigned an id.
func (t *Topic) Announced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.announced
}

// ServerID returns the server-assigned topic id, or −1 before announce.
func (t *Topic) ServerID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.serverID
}

// IsPublisher reports whether this client currently publishes the topic.
func (t *Topic) IsPublisher() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.publisher
}

// SetValue validates and stores a new value, notifies subscribers, and
// forwards it to the server. Fails with ErrNotPublisher unless Publish has
// completed. When the server has not announced an id yet, the outbound is
// queued latest-only and flushed at announce time.
func (t *Topic) SetValue(v any) error {
	coerced, err := t.typeInfo.Coerce(v)
	if err != nil {
		return fmt.Errorf("set %q: %w", t.name, err)
	}

	t.mu.Lock()
	if !t.publisher {
		t.mu.Unlock()
		return fmt.Errorf("set %q: %w", t.name, ErrNotPublisher)
	}
	t.value = coerced
	subs, params := t.notificationLocked()
	t.mu.Unlock()

	t.notify(subs, coerced, params)

	ts, err := t.client.msgr.SendToTopic(t, coerced)
	if err != nil {
		return err
	}
	if ts < 0 {
		// Dropped: no server id yet. Keep only the newest value.
		t.mu.Lock()
		t.pending = coerced
		t.hasPending = true
		t.mu.Unlock()
		return nil
	}
	t.mu.Lock()
	t.lastChanged = ts
	t.mu.Unlock()
	return nil
}

// updateValue is the inbound path: store the server's value, advance the
// last-changed time, and notify subscribers. The value has already been
// validated by the registry.
func (t *Topic) updateValue(v any, serverTime int64) {
	t.mu.Lock()
	t.value = v
	t.lastChanged = serverTime
	subs, params := t.notificationLocked()
	t.mu.Unlock()
	t.notify(subs, v, params)
}

// announce marks the topic as announced and, when the announce carries our
// pending pubuid, promotes this client to publisher. Any value set before
// the announce is flushed to the server now (latest only).
func (t *Topic) announce(params protocol.AnnounceParams) {
	t.mu.Lock()
	t.announced = true
	t.serverID = params.ID
	t.lastAnnounce = params
	if params.PubUID != nil && t.pubuid >= 0 && *params.PubUID == t.pubuid {
		t.publisher = true
	}
	var flush any
	doFlush := t.hasPending && t.publisher
	if doFlush {
		flush = t.pending
		t.pending = nil
		t.hasPending = false
	}
	t.mu.Unlock()

	if doFlush {
		if _, err := t.client.msgr.SendToTopic(t, flush); err != nil {
			t.client.logger.Warn("flush pending value", "topic", t.name, "error", err)
		}
	}
}

// unannounce clears the announced state and the server id.
func (t *Topic) unannounce() {
	t.mu.Lock()
	t.announced = false
	t.serverID = -1
	t.mu.Unlock()
}

// Subscribe registers a callback and sends a subscribe to the server.
// A zero or positive subuid reuses that UID (overwriting the local entry
// without disturbing server state); pass −1 to allocate a fresh one. When
// save is false the callback is not recorded locally — used for transient
// protocol subscriptions.
func (t *Topic) Subscribe(cb ValueCallback, options protocol.SubscriptionOptions, subuid int, save bool) int {
	if subuid < 0 {
		subuid = NextSubUID()
	}
	t.client.msgr.Subscribe(protocol.SubscribeParams{
		Topics:  []string{t.name},
		SubUID:  subuid,
		Options: options,
	}, false)
	if save {
		t.mu.Lock()
		t.subscribers[subuid] = subscriber{cb: cb, options: options}
		t.mu.Unlock()
	}
	return subuid
}

// Unsubscribe tells the server to drop the subscription. The local
// callback entry is removed only when removeCallback is set, so a caller
// can keep delivery wiring across a server-side unsubscribe.
func (t *Topic) Unsubscribe(subuid int, removeCallback bool) {
	t.client.msgr.Unsubscribe(subuid)
	if removeCallback {
		t.mu.Lock()
		delete(t.subscribers, subuid)
		t.mu.Unlock()
	}
}

// Publish requests publisher rights for the topic and blocks until the
// server announces it (or the optimistic resolver fires). Concurrent
// publishes of the same topic coalesce onto one in-flight operation. A
// negative pubuid allocates a fresh one.
func (t *Topic) Publish(ctx context.Context, properties protocol.Properties, pubuid int) error {
	_, err := t.client.reg.GetOrCreateInFlightOperation("publish:"+t.name, func() (any, error) {
		return nil, t.publishOnce(ctx, properties, pubuid, false)
	})
	return err
}

func (t *Topic) publishOnce(ctx context.Context, properties protocol.Properties, pubuid int, force bool) error {
	t.mu.Lock()
	if t.publisher {
		t.mu.Unlock()
		return nil
	}
	if pubuid < 0 {
		pubuid = NextPubUID()
	}
	t.pubuid = pubuid
	t.pubProperties = properties
	wireType := t.wireType
	t.mu.Unlock()

	ann, err := t.client.msgr.Publish(ctx, protocol.PublishParams{
		Name:       t.name,
		PubUID:     pubuid,
		Type:       wireType,
		Properties: properties,
	}, force)
	if err != nil {
		return err
	}
	// The announce normally arrives through the registry dispatch too;
	// applying it here closes the race between future resolution and that
	// dispatch so callers observe publisher state immediately.
	t.announce(ann)
	return nil
}

// Unpublish releases publisher rights. Fails with ErrNotPublisher when the
// topic is not currently published by this client.
func (t *Topic) Unpublish() error {
	t.mu.Lock()
	if !t.publisher {
		t.mu.Unlock()
		return fmt.Errorf("unpublish %q: %w", t.name, ErrNotPublisher)
	}
	pubuid := t.pubuid
	t.publisher = false
	t.pubuid = -1
	t.mu.Unlock()

	t.client.msgr.Unpublish(pubuid)
	return nil
}

// republish re-requests publisher rights with the stored properties and
// pubuid after a reinstantiate.
func (t *Topic) republish(ctx context.Context) error {
	t.mu.Lock()
	t.publisher = false
	properties := t.pubProperties
	pubuid := t.pubuid
	t.mu.Unlock()
	return t.publishOnce(ctx, properties, pubuid, true)
}

// SetProperties updates the persistent/retained flags on the server and
// blocks until the ack. Nil pointers leave a flag untouched.
func (t *Topic) SetProperties(ctx context.Context, persistent, retained *bool) (protocol.PropertiesAckParams, error) {
	return t.client.msgr.SetProperties(ctx, protocol.SetPropertiesParams{
		Name:   t.name,
		Update: protocol.Properties{Persistent: persistent, Retained: retained},
	})
}

// resubscribeAll re-sends every stored subscription, used after a
// reinstantiate onto a new server.
func (t *Topic) resubscribeAll() {
	t.mu.Lock()
	type entry struct {
		subuid int
		opts   protocol.SubscriptionOptions
	}
	entries := make([]entry, 0, len(t.subscribers))
	for id, s := range t.subscribers {
		entries = append(entries, entry{id, s.options})
	}
	name := t.name
	t.mu.Unlock()

	for _, e := range entries {
		t.client.msgr.Subscribe(protocol.SubscribeParams{
			Topics:  []string{name},
			SubUID:  e.subuid,
			Options: e.opts,
		}, true)
	}
}

// notificationLocked snapshots the subscriber callbacks and the params to
// hand them. Callers must hold t.mu.
func (t *Topic) notificationLocked() ([]ValueCallback, protocol.AnnounceParams) {
	cbs := make([]ValueCallback, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		cbs = append(cbs, s.cb)
	}
	params := t.lastAnnounce
	if !t.announced && params.Name == "" {
		// Pre-announcement sentinel shape: id −1 with the local name and
		// registered type string.
		params = protocol.AnnounceParams{Name: t.name, ID: -1, Type: t.typeInfo.Name}
	}
	return cbs, params
}

// notify invokes callbacks outside any lock, isolating each subscriber: a
// panic in one callback never blocks the others.
func (t *Topic) notify(cbs []ValueCallback, value any, params protocol.AnnounceParams) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.client.logger.Error("subscriber callback panicked", "topic", t.name, "panic", r)
				}
			}()
			cb(value, params)
		}()
	}
}
