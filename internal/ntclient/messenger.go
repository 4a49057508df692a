package ntclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/ntgo/internal/events"
	"github.com/nugget/ntgo/internal/protocol"
	"github.com/nugget/ntgo/internal/socket"
)

const (
	// announceTimeout bounds how long a publish waits for the server's
	// answering announce.
	announceTimeout = 3 * time.Second
	// ackTimeout bounds how long setproperties waits for its ack.
	ackTimeout = 3 * time.Second
	// optimisticDelay is how long a publish in an announce-suppression
	// scenario waits before synthesizing its own announce.
	optimisticDelay = 200 * time.Millisecond
)

// Process-wide monotonic UID counters, starting at 0. Pub and sub UIDs are
// independent sequences.
var (
	pubUIDCounter atomic.Int64
	subUIDCounter atomic.Int64
)

// NextPubUID allocates a publisher UID.
func NextPubUID() int { return int(pubUIDCounter.Add(1) - 1) }

// NextSubUID allocates a subscription UID.
func NextSubUID() int { return int(subUIDCounter.Add(1) - 1) }

// announceWaiter is a one-shot future for a publish awaiting its announce.
type announceWaiter struct {
	name   string
	pubuid int
	ch     chan protocol.AnnounceParams
	timer  *time.Timer // optimistic resolver; nil in non-optimistic paths
}

// propWaiter is a one-shot future for a setproperties awaiting its ack.
type propWaiter struct {
	name string
	ch   chan protocol.PropertiesAckParams
}

// Messenger multiplexes control messages over the socket: it keeps the
// publication and subscription registries, correlates publish requests with
// announce replies and setproperties with acks, and replays both registries
// when the socket reopens.
type Messenger struct {
	sock   *socket.Socket
	logger *slog.Logger
	bus    *events.Bus

	// announceHook forwards synthesized optimistic announces into the
	// registry so the topic becomes usable without a server echo.
	announceHook func(protocol.AnnounceParams)

	mu              sync.Mutex
	pubs            map[int]protocol.PublishParams
	subs            map[int]protocol.SubscribeParams
	announceWaiters map[*announceWaiter]struct{}
	propWaiters     map[*propWaiter]struct{}

	// Overridable for tests.
	publishTimeout  time.Duration
	propsTimeout    time.Duration
	optimisticDelay time.Duration
}

// NewMessenger creates a Messenger bound to a socket. The socket's OnOpen
// handler must be wired to [Messenger.OnSocketOpen] by the owner.
func NewMessenger(sock *socket.Socket, logger *slog.Logger, bus *events.Bus) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messenger{
		sock:            sock,
		logger:          logger,
		bus:             bus,
		pubs:            make(map[int]protocol.PublishParams),
		subs:            make(map[int]protocol.SubscribeParams),
		announceWaiters: make(map[*announceWaiter]struct{}),
		propWaiters:     make(map[*propWaiter]struct{}),
		publishTimeout:  announceTimeout,
		propsTimeout:    ackTimeout,
		optimisticDelay: optimisticDelay,
	}
}

// Socket returns the underlying socket.
func (m *Messenger) Socket() *socket.Socket { return m.sock }

// SetAnnounceHook installs the registry callback invoked for synthesized
// optimistic announces.
func (m *Messenger) SetAnnounceHook(hook func(protocol.AnnounceParams)) {
	m.announceHook = hook
}

// Publish registers the publication and sends the publish control message,
// then blocks until the server's matching announce arrives. With force set,
// a known pubuid is overwritten instead of failing with ErrAlreadyPublished
// (used when topics republish after Reinstantiate).
//
// Some servers suppress the announce echo when the publish overlaps a
// prefix subscription, republishes a retained topic, or has no matching
// subscription at all. In those scenarios an optimistic resolver fires
// after 200 ms with a synthesized announce (id 0) so the topic becomes
// usable; a later real announce updates registry state but the future has
// already resolved. In the exact-subscription path the publish instead
// fails with ErrNotAnnounced after 3 s of silence.
func (m *Messenger) Publish(ctx context.Context, params protocol.PublishParams, force bool) (protocol.AnnounceParams, error) {
	m.mu.Lock()
	if _, exists := m.pubs[params.PubUID]; exists && !force {
		m.mu.Unlock()
		return protocol.AnnounceParams{}, fmt.Errorf("publish %q pubuid %d: %w", params.Name, params.PubUID, ErrAlreadyPublished)
	}

	// Announce suppression is judged against the registries as they were
	// before this publish; the topicsonly hotfix below must not count.
	retainedRepublish := force && params.Properties.Retained != nil && *params.Properties.Retained
	optimistic := retainedRepublish || m.prefixSubCoversLocked(params.Name) || !m.exactSubExistsLocked(params.Name)

	m.pubs[params.PubUID] = params
	w := &announceWaiter{
		name:   params.Name,
		pubuid: params.PubUID,
		ch:     make(chan protocol.AnnounceParams, 1),
	}
	m.announceWaiters[w] = struct{}{}
	m.mu.Unlock()

	m.sock.SendText(protocol.Message{Method: protocol.MethodPublish, Params: params})

	// Protocol compatibility workaround: a topicsonly subscribe for the
	// published name coaxes reluctant servers into announcing. Sent with a
	// fresh subuid and never stored, so reconnect replay does not grow.
	m.sock.SendText(protocol.Message{Method: protocol.MethodSubscribe, Params: protocol.SubscribeParams{
		Topics:  []string{params.Name},
		SubUID:  NextSubUID(),
		Options: protocol.SubscriptionOptions{TopicsOnly: protocol.Bool(true)},
	}})

	if optimistic {
		pubuid := params.PubUID
		synth := protocol.AnnounceParams{
			Name:       params.Name,
			ID:         0,
			Type:       params.Type,
			Properties: params.Properties,
			PubUID:     &pubuid,
		}
		w.timer = time.AfterFunc(m.optimisticDelay, func() {
			m.resolveAnnounce(w, synth)
			if m.announceHook != nil {
				m.announceHook(synth)
			}
		})
	}

	select {
	case ann := <-w.ch:
		return ann, nil
	case <-time.After(m.publishTimeout):
		m.dropAnnounceWaiter(w)
		return protocol.AnnounceParams{}, fmt.Errorf("publish %q: %w", params.Name, ErrNotAnnounced)
	case <-ctx.Done():
		m.dropAnnounceWaiter(w)
		return protocol.AnnounceParams{}, ctx.Err()
	}
}

// Unpublish removes the publication and tells the server. Unknown pubuids
// are a no-op.
func (m *Messenger) Unpublish(pubuid int) {
	m.mu.Lock()
	if _, ok := m.pubs[pubuid]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pubs, pubuid)
	m.mu.Unlock()
	m.sock.SendText(protocol.Message{Method: protocol.MethodUnpublish, Params: protocol.UnpublishParams{PubUID: pubuid}})
}

// Subscribe stores the subscription and sends the subscribe message. A
// known subuid is a no-op unless force is set (resubscribe after
// Reinstantiate).
func (m *Messenger) Subscribe(params protocol.SubscribeParams, force bool) {
	m.mu.Lock()
	if _, exists := m.subs[params.SubUID]; exists && !force {
		m.mu.Unlock()
		return
	}
	m.subs[params.SubUID] = params
	m.mu.Unlock()
	m.sock.SendText(protocol.Message{Method: protocol.MethodSubscribe, Params: params})
}

// Unsubscribe removes the subscription if present and tells the server.
func (m *Messenger) Unsubscribe(subuid int) {
	m.mu.Lock()
	if _, ok := m.subs[subuid]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, subuid)
	m.mu.Unlock()
	m.sock.SendText(protocol.Message{Method: protocol.MethodUnsubscribe, Params: protocol.UnsubscribeParams{SubUID: subuid}})
}

// SetProperties sends setproperties and blocks until the server's
// properties message with ack set arrives for the same name, or the
// timeout fires with ErrNotAcknowledged.
func (m *Messenger) SetProperties(ctx context.Context, params protocol.SetPropertiesParams) (protocol.PropertiesAckParams, error) {
	w := &propWaiter{name: params.Name, ch: make(chan protocol.PropertiesAckParams, 1)}
	m.mu.Lock()
	m.propWaiters[w] = struct{}{}
	m.mu.Unlock()

	m.sock.SendText(protocol.Message{Method: protocol.MethodSetProperties, Params: params})

	select {
	case ack := <-w.ch:
		return ack, nil
	case <-time.After(m.propsTimeout):
		m.dropPropWaiter(w)
		return protocol.PropertiesAckParams{}, fmt.Errorf("setproperties %q: %w", params.Name, ErrNotAcknowledged)
	case <-ctx.Done():
		m.dropPropWaiter(w)
		return protocol.PropertiesAckParams{}, ctx.Err()
	}
}

// SendToTopic forwards a coerced value to the socket using the topic's
// server id and type. The caller must hold no topic lock. Returns the
// timestamp used, −1 when the update was dropped because the server has
// not announced an id yet, or ErrNotPublisher when the topic is not
// published by this client.
func (m *Messenger) SendToTopic(t *Topic, value any) (int64, error) {
	t.mu.Lock()
	publisher := t.publisher
	pubuid := t.pubuid
	serverID := t.serverID
	ti := t.typeInfo
	t.mu.Unlock()

	if !publisher || pubuid < 0 {
		return 0, fmt.Errorf("send to %q: %w", t.name, ErrNotPublisher)
	}
	if serverID < 0 {
		return -1, nil
	}
	return m.sock.SendValueToTopic(serverID, value, ti), nil
}

// HandleAnnounce resolves any publish future matching the announce by both
// name and pubuid. Registry state is updated by the owner's dispatch, not
// here.
func (m *Messenger) HandleAnnounce(params protocol.AnnounceParams) {
	if params.PubUID == nil {
		return
	}
	m.mu.Lock()
	var matched []*announceWaiter
	for w := range m.announceWaiters {
		if w.name == params.Name && w.pubuid == *params.PubUID {
			matched = append(matched, w)
			delete(m.announceWaiters, w)
		}
	}
	m.mu.Unlock()
	for _, w := range matched {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.ch <- params
	}
}

// HandleProperties resolves setproperties futures. Only acked messages
// resolve; a non-ack properties broadcast is informational.
func (m *Messenger) HandleProperties(params protocol.PropertiesAckParams) {
	if !params.Ack {
		return
	}
	m.mu.Lock()
	var matched []*propWaiter
	for w := range m.propWaiters {
		if w.name == params.Name {
			matched = append(matched, w)
			delete(m.propWaiters, w)
		}
	}
	m.mu.Unlock()
	for _, w := range matched {
		w.ch <- params
	}
}

// OnSocketOpen replays the registries on a fresh connection: all
// subscriptions first, then all publications as fire-and-forget publish
// frames (no per-topic announce wait on reconnect).
func (m *Messenger) OnSocketOpen() {
	m.mu.Lock()
	subs := make([]protocol.SubscribeParams, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	pubs := make([]protocol.PublishParams, 0, len(m.pubs))
	for _, p := range m.pubs {
		pubs = append(pubs, p)
	}
	m.mu.Unlock()

	for _, s := range subs {
		m.sock.SendText(protocol.Message{Method: protocol.MethodSubscribe, Params: s})
	}
	for _, p := range pubs {
		m.sock.SendText(protocol.Message{Method: protocol.MethodPublish, Params: p})
	}

	if len(subs) > 0 || len(pubs) > 0 {
		m.logger.Info("replayed registries", "subscriptions", len(subs), "publications", len(pubs))
		m.bus.Publish(events.Event{Source: events.SourceMessenger, Kind: events.KindReplay,
			Data: map[string]any{"subscriptions": len(subs), "publications": len(pubs)}})
	}
}

// Reinstantiate points the socket at a new URL and reconnects.
func (m *Messenger) Reinstantiate(url string) {
	m.sock.Reinstantiate(url)
}

func (m *Messenger) resolveAnnounce(w *announceWaiter, params protocol.AnnounceParams) {
	m.mu.Lock()
	_, live := m.announceWaiters[w]
	if live {
		delete(m.announceWaiters, w)
	}
	m.mu.Unlock()
	if live {
		w.ch <- params
	}
}

func (m *Messenger) dropAnnounceWaiter(w *announceWaiter) {
	m.mu.Lock()
	delete(m.announceWaiters, w)
	m.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (m *Messenger) dropPropWaiter(w *propWaiter) {
	m.mu.Lock()
	delete(m.propWaiters, w)
	m.mu.Unlock()
}

// exactSubExistsLocked reports whether a stored non-prefix subscription
// names the topic exactly.
func (m *Messenger) exactSubExistsLocked(name string) bool {
	for _, s := range m.subs {
		if s.Options.Prefix != nil && *s.Options.Prefix {
			continue
		}
		for _, t := range s.Topics {
			if t == name {
				return true
			}
		}
	}
	return false
}

// prefixSubCoversLocked reports whether a stored prefix subscription
// covers the topic name.
func (m *Messenger) prefixSubCoversLocked(name string) bool {
	for _, s := range m.subs {
		if s.Options.Prefix == nil || !*s.Options.Prefix {
			continue
		}
		for _, t := range s.Topics {
			if strings.HasPrefix(name, t) {
				return true
			}
		}
	}
	return false
}
