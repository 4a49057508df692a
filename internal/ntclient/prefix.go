package ntclient

import (
	"sync"

	"github.com/nugget/ntgo/internal/protocol"
)

// PrefixTopic aggregates subscriptions over every topic whose name begins
// with a prefix. The empty prefix matches all topics. It holds no value of
// its own: each delivery carries the announced params of the sub-topic the
// value belongs to.
type PrefixTopic struct {
	client *Client
	prefix string

	mu          sync.Mutex
	lastChanged int64
	subscribers map[int]subscriber
}

func newPrefixTopic(client *Client, prefix string) *PrefixTopic {
	return &PrefixTopic{
		client:      client,
		prefix:      prefix,
		subscribers: make(map[int]subscriber),
	}
}

// Prefix returns the subscribed prefix string.
func (p *PrefixTopic) Prefix() string { return p.prefix }

// LastChangedTime returns the server timestamp of the most recent delivery
// in microseconds.
func (p *PrefixTopic) LastChangedTime() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastChanged
}

// Subscribe registers a callback for every sub-topic under the prefix.
// The prefix option is forced on regardless of what the caller passed.
// A negative subuid allocates a fresh one; save=false skips local
// recording as on [Topic.Subscribe].
func (p *PrefixTopic) Subscribe(cb ValueCallback, options protocol.SubscriptionOptions, subuid int, save bool) int {
	options.Prefix = protocol.Bool(true)
	if subuid < 0 {
		subuid = NextSubUID()
	}
	p.client.msgr.Subscribe(protocol.SubscribeParams{
		Topics:  []string{p.prefix},
		SubUID:  subuid,
		Options: options,
	}, false)
	if save {
		p.mu.Lock()
		p.subscribers[subuid] = subscriber{cb: cb, options: options}
		p.mu.Unlock()
	}
	return subuid
}

// Unsubscribe tells the server to drop the subscription; the local entry
// goes away only when removeCallback is set.
func (p *PrefixTopic) Unsubscribe(subuid int, removeCallback bool) {
	p.client.msgr.Unsubscribe(subuid)
	if removeCallback {
		p.mu.Lock()
		delete(p.subscribers, subuid)
		p.mu.Unlock()
	}
}

// updateValue delivers a sub-topic's value to every subscriber, except
// announcement-only ones.
func (p *PrefixTopic) updateValue(params protocol.AnnounceParams, value any, serverTime int64) {
	p.mu.Lock()
	p.lastChanged = serverTime
	cbs := make([]ValueCallback, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		if s.options.TopicsOnly != nil && *s.options.TopicsOnly {
			continue
		}
		cbs = append(cbs, s.cb)
	}
	p.mu.Unlock()
	p.notify(cbs, value, params)
}

// announce delivers a sub-topic announcement to topics-only subscribers.
// The registry calls it for every announce whose name starts with the
// prefix.
func (p *PrefixTopic) announce(params protocol.AnnounceParams) {
	p.notifyTopicsOnly(nil, params)
}

// unannounce mirrors announce for topic withdrawal; the params carry the
// retiring name and id.
func (p *PrefixTopic) unannounce(params protocol.AnnounceParams) {
	p.notifyTopicsOnly(nil, params)
}

func (p *PrefixTopic) notifyTopicsOnly(value any, params protocol.AnnounceParams) {
	p.mu.Lock()
	cbs := make([]ValueCallback, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		if s.options.TopicsOnly != nil && *s.options.TopicsOnly {
			cbs = append(cbs, s.cb)
		}
	}
	p.mu.Unlock()
	p.notify(cbs, value, params)
}

// resubscribeAll re-sends every stored subscription after a reinstantiate.
func (p *PrefixTopic) resubscribeAll() {
	p.mu.Lock()
	type entry struct {
		subuid int
		opts   protocol.SubscriptionOptions
	}
	entries := make([]entry, 0, len(p.subscribers))
	for id, s := range p.subscribers {
		entries = append(entries, entry{id, s.options})
	}
	prefix := p.prefix
	p.mu.Unlock()

	for _, e := range entries {
		p.client.msgr.Subscribe(protocol.SubscribeParams{
			Topics:  []string{prefix},
			SubUID:  e.subuid,
			Options: e.opts,
		}, true)
	}
}

func (p *PrefixTopic) notify(cbs []ValueCallback, value any, params protocol.AnnounceParams) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.client.logger.Error("subscriber callback panicked", "prefix", p.prefix, "panic", r)
				}
			}()
			cb(value, params)
		}()
	}
}
