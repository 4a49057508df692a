package ntclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/ntgo/internal/events"
	"github.com/nugget/ntgo/internal/nttype"
	"github.com/nugget/ntgo/internal/protocol"
)

// Registry is the pub/sub routing core. It maps topic names to regular
// topics, prefix strings to prefix topics, and server topic ids to the
// params the server announced, and dispatches inbound announcements and
// value updates to whoever subscribed.
type Registry struct {
	msgr   *Messenger
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.Mutex
	topics   map[string]*Topic
	prefixes map[string]*PrefixTopic
	known    map[int64]protocol.AnnounceParams
	cleaning bool

	inflight *inFlight
}

// NewRegistry creates a Registry routing through the messenger.
func NewRegistry(msgr *Messenger, logger *slog.Logger, bus *events.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		msgr:     msgr,
		logger:   logger,
		bus:      bus,
		topics:   make(map[string]*Topic),
		prefixes: make(map[string]*PrefixTopic),
		known:    make(map[int64]protocol.AnnounceParams),
		inflight: newInFlight(),
	}
}

// RegisterTopic adds a regular topic keyed by name. Duplicate names fail
// with ErrDuplicateTopic.
func (r *Registry) RegisterTopic(t *Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.topics[t.name]; exists {
		return fmt.Errorf("register %q: %w", t.name, ErrDuplicateTopic)
	}
	r.topics[t.name] = t
	return nil
}

// RegisterPrefix adds a prefix topic keyed by its prefix string. Duplicate
// prefixes fail with ErrDuplicateTopic.
func (r *Registry) RegisterPrefix(p *PrefixTopic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prefixes[p.prefix]; exists {
		return fmt.Errorf("register prefix %q: %w", p.prefix, ErrDuplicateTopic)
	}
	r.prefixes[p.prefix] = p
	return nil
}

// GetTopicByName returns the regular topic registered under name, or nil.
func (r *Registry) GetTopicByName(name string) *Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topics[name]
}

// GetPrefixByName returns the prefix topic registered under prefix, or nil.
func (r *Registry) GetPrefixByName(prefix string) *PrefixTopic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefixes[prefix]
}

// GetKnownParams returns the announced params for a server topic id.
func (r *Registry) GetKnownParams(id int64) (protocol.AnnounceParams, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.known[id]
	return p, ok
}

// OnTopicAnnounce stores the announced params under the server id and
// delivers the announce to the exact-name topic and to every prefix topic
// whose prefix matches the name.
func (r *Registry) OnTopicAnnounce(params protocol.AnnounceParams) {
	r.mu.Lock()
	r.known[params.ID] = params
	topic := r.topics[params.Name]
	prefixes := r.matchingPrefixesLocked(params.Name)
	r.mu.Unlock()

	if topic != nil {
		topic.announce(params)
	}
	for _, p := range prefixes {
		p.announce(params)
	}
	r.bus.Publish(events.Event{Source: events.SourceRegistry, Kind: events.KindAnnounce,
		Data: map[string]any{"name": params.Name, "id": params.ID, "type": params.Type}})
}

// OnTopicUnannounce delivers the withdrawal to the exact-name topic and to
// matching prefix topics, and forgets the id so later updates for it no
// longer resolve.
func (r *Registry) OnTopicUnannounce(params protocol.UnannounceParams) {
	r.mu.Lock()
	delete(r.known, params.ID)
	topic := r.topics[params.Name]
	prefixes := r.matchingPrefixesLocked(params.Name)
	r.mu.Unlock()

	if topic != nil {
		topic.unannounce()
	} else {
		r.logger.Warn("unannounce for unknown topic", "name", params.Name, "id", params.ID)
	}
	for _, p := range prefixes {
		p.unannounce(protocol.AnnounceParams{Name: params.Name, ID: params.ID})
	}
	r.bus.Publish(events.Event{Source: events.SourceRegistry, Kind: events.KindUnannounce,
		Data: map[string]any{"name": params.Name, "id": params.ID}})
}

// OnTopicUpdate routes one inbound value frame: validate against the
// registered (or announced) type, deliver to the exact topic, then to
// every prefix topic covering the announced name. Validation failures are
// returned to the caller and published on the error channel; the
// connection stays up.
func (r *Registry) OnTopicUpdate(frame protocol.BinaryFrame) error {
	r.mu.Lock()
	params, knownID := r.known[frame.TopicID]
	var topic *Topic
	var prefixes []*PrefixTopic
	if knownID {
		topic = r.topics[params.Name]
		prefixes = r.matchingPrefixesLocked(params.Name)
	}
	r.mu.Unlock()

	if !knownID {
		r.logger.Warn("value update for unknown topic id", "id", frame.TopicID)
		return nil
	}

	// Prefer the locally registered type; fall back to the announced
	// type for topics we only know through a prefix subscription.
	var ti nttype.TypeInfo
	if topic != nil {
		ti = topic.typeInfo
	} else {
		var err error
		ti, err = nttype.ForWire(frame.TypeNum, params.Type)
		if err != nil {
			r.publishValueError(params, err)
			return fmt.Errorf("update for %q: %w", params.Name, err)
		}
	}

	value, err := ti.Coerce(frame.Value)
	if err != nil {
		r.publishValueError(params, err)
		return fmt.Errorf("update for %q: %w", params.Name, err)
	}

	if topic != nil {
		topic.updateValue(value, frame.ServerTime)
	}
	for _, p := range prefixes {
		p.updateValue(params, value, frame.ServerTime)
	}
	return nil
}

// OnPropertiesAck is informational; unknown names are just logged.
func (r *Registry) OnPropertiesAck(params protocol.PropertiesAckParams) {
	r.mu.Lock()
	_, ok := r.topics[params.Name]
	r.mu.Unlock()
	if !ok {
		r.logger.Info("properties ack for unregistered topic", "name", params.Name, "ack", params.Ack)
	}
}

// UpdateServer routes an outbound value through the messenger.
func (r *Registry) UpdateServer(t *Topic, value any) (int64, error) {
	return r.msgr.SendToTopic(t, value)
}

// Reinstantiate reconnects the messenger to a new URL, re-arms every
// topic's subscriptions and re-issues publish announcements for topics
// this client publishes.
func (r *Registry) Reinstantiate(url string) {
	r.msgr.Reinstantiate(url)

	r.mu.Lock()
	topics := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		topics = append(topics, t)
	}
	prefixes := make([]*PrefixTopic, 0, len(r.prefixes))
	for _, p := range r.prefixes {
		prefixes = append(prefixes, p)
	}
	r.mu.Unlock()

	for _, t := range topics {
		t.resubscribeAll()
	}
	for _, p := range prefixes {
		p.resubscribeAll()
	}
	for _, t := range topics {
		if t.IsPublisher() {
			go func(t *Topic) {
				if err := t.republish(context.Background()); err != nil {
					r.logger.Warn("republish failed", "topic", t.name, "error", err)
				}
			}(t)
		}
	}
}

// Cleanup unsubscribes everything, unpublishes every published topic and
// blocks new in-flight operations with ErrCleaningUp.
func (r *Registry) Cleanup() {
	r.inflight.BeginTeardown()

	r.mu.Lock()
	r.cleaning = true
	topics := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		topics = append(topics, t)
	}
	prefixes := make([]*PrefixTopic, 0, len(r.prefixes))
	for _, p := range r.prefixes {
		prefixes = append(prefixes, p)
	}
	r.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		subs := make([]int, 0, len(t.subscribers))
		for id := range t.subscribers {
			subs = append(subs, id)
		}
		t.mu.Unlock()
		for _, id := range subs {
			t.Unsubscribe(id, true)
		}
		if t.IsPublisher() {
			if err := t.Unpublish(); err != nil {
				r.logger.Warn("cleanup unpublish", "topic", t.name, "error", err)
			}
		}
	}
	for _, p := range prefixes {
		p.mu.Lock()
		subs := make([]int, 0, len(p.subscribers))
		for id := range p.subscribers {
			subs = append(subs, id)
		}
		p.mu.Unlock()
		for _, id := range subs {
			p.Unsubscribe(id, true)
		}
	}
}

// GetOrCreateInFlightOperation coalesces concurrent async requests under a
// string key. Refuses with ErrCleaningUp once teardown has begun.
func (r *Registry) GetOrCreateInFlightOperation(key string, factory func() (any, error)) (any, error) {
	return r.inflight.Do(key, factory)
}

func (r *Registry) matchingPrefixesLocked(name string) []*PrefixTopic {
	var out []*PrefixTopic
	for prefix, p := range r.prefixes {
		if strings.HasPrefix(name, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) publishValueError(params protocol.AnnounceParams, err error) {
	r.logger.Warn("inbound value failed validation",
		"name", params.Name, "id", params.ID, "type", params.Type, "error", err)
	r.bus.Publish(events.Event{Source: events.SourceRegistry, Kind: events.KindValueError,
		Data: map[string]any{"name": params.Name, "id": params.ID, "type": params.Type}, Err: err})
}
