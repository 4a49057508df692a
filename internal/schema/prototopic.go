package schema

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/nugget/ntgo/internal/events"
	"github.com/nugget/ntgo/internal/ntclient"
	"github.com/nugget/ntgo/internal/nttype"
	"github.com/nugget/ntgo/internal/protocol"
)

// MessageCallback receives a decoded protobuf value with the announce
// params of the topic it arrived on.
type MessageCallback func(msg proto.Message, params protocol.AnnounceParams)

// Validator rejects messages before they are encoded and sent.
type Validator func(msg proto.Message) error

// ProtoTopicConfig configures a ProtoTopic.
type ProtoTopicConfig struct {
	// Name is the NT topic name.
	Name string
	// MessageName is the full protobuf message name carried by the
	// topic. May be empty when SchemaPath names a single-message file.
	MessageName string
	// SchemaPath optionally points at a serialized descriptor file that
	// Publish registers before publishing the topic itself.
	SchemaPath string
	// Validator optionally rejects outbound messages.
	Validator Validator
}

// ProtoTopic carries typed protobuf values over a raw topic. It owns the
// raw topic and translates message ↔ bytes at the boundary; everything
// else (publish state, subscriptions, pending-value flush) is the raw
// topic's problem.
type ProtoTopic struct {
	store *Store
	cfg   ProtoTopicConfig
	raw   *ntclient.Topic

	mu      sync.Mutex
	msgType protoreflect.MessageType
	decoded proto.Message
}

// NewProtoTopic creates the protobuf view over a raw topic.
func NewProtoTopic(store *Store, cfg ProtoTopicConfig) (*ProtoTopic, error) {
	raw, err := store.client.Topic(cfg.Name, nttype.Protobuf)
	if err != nil {
		return nil, err
	}
	return &ProtoTopic{store: store, cfg: cfg, raw: raw}, nil
}

// Raw returns the underlying byte-level topic.
func (t *ProtoTopic) Raw() *ntclient.Topic { return t.raw }

// GetValue returns the most recently decoded message, or nil.
func (t *ProtoTopic) GetValue() proto.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decoded
}

// Publish requests publisher rights. When a schema path is configured the
// schema is registered first, and the wire type string becomes
// proto:<full message name> either way.
func (t *ProtoTopic) Publish(ctx context.Context, properties protocol.Properties) error {
	if t.cfg.SchemaPath != "" {
		fullName, _, err := t.store.RegisterSchema(ctx, t.cfg.SchemaPath, t.cfg.MessageName)
		if err != nil {
			return err
		}
		t.cfg.MessageName = fullName
	}

	if _, err := t.messageType(); err != nil {
		return err
	}
	t.raw.SetWireType("proto:" + t.cfg.MessageName)
	return t.raw.Publish(ctx, properties, -1)
}

// SetValue validates, encodes and sends a message.
func (t *ProtoTopic) SetValue(msg proto.Message) error {
	if t.cfg.Validator != nil {
		if err := t.cfg.Validator(msg); err != nil {
			return fmt.Errorf("validate %q: %w", t.cfg.Name, err)
		}
	}
	encoded, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode %q: %v", ErrSchema, t.cfg.Name, err)
	}
	if err := t.raw.SetValue(encoded); err != nil {
		return err
	}
	t.mu.Lock()
	t.decoded = msg
	t.mu.Unlock()
	return nil
}

// Subscribe registers a callback for decoded inbound values. Updates whose
// bytes fail to decode surface on the error channel and skip the callback.
func (t *ProtoTopic) Subscribe(cb MessageCallback, options protocol.SubscriptionOptions, subuid int, save bool) int {
	return t.raw.Subscribe(func(value any, params protocol.AnnounceParams) {
		b, ok := value.([]byte)
		if !ok {
			t.publishDecodeError(params, fmt.Errorf("%w: non-raw value on protobuf topic", ErrSchema))
			return
		}
		msg, err := t.decode(b)
		if err != nil {
			t.publishDecodeError(params, err)
			return
		}
		t.mu.Lock()
		t.decoded = msg
		t.mu.Unlock()
		cb(msg, params)
	}, options, subuid, save)
}

// Unsubscribe forwards to the raw topic.
func (t *ProtoTopic) Unsubscribe(subuid int, removeCallback bool) {
	t.raw.Unsubscribe(subuid, removeCallback)
}

// Unpublish forwards to the raw topic.
func (t *ProtoTopic) Unpublish() error { return t.raw.Unpublish() }

// SetProperties forwards to the raw topic.
func (t *ProtoTopic) SetProperties(ctx context.Context, persistent, retained *bool) (protocol.PropertiesAckParams, error) {
	return t.raw.SetProperties(ctx, persistent, retained)
}

func (t *ProtoTopic) decode(b []byte) (proto.Message, error) {
	mt, err := t.messageType()
	if err != nil {
		return nil, err
	}
	msg := mt.New().Interface()
	if err := proto.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("%w: decode %q: %v", ErrSchema, t.cfg.Name, err)
	}
	return msg, nil
}

// messageType resolves and caches the message type from the store. The
// schema may arrive after the subscription, so resolution is retried on
// each update until it succeeds.
func (t *ProtoTopic) messageType() (protoreflect.MessageType, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.msgType != nil {
		return t.msgType, nil
	}
	if t.cfg.MessageName == "" {
		return nil, fmt.Errorf("topic %q: %w", t.cfg.Name, ErrSchemaNotFound)
	}
	mt, err := t.store.FetchMessageType(t.cfg.MessageName)
	if err != nil {
		return nil, err
	}
	t.msgType = mt
	return mt, nil
}

func (t *ProtoTopic) publishDecodeError(params protocol.AnnounceParams, err error) {
	t.store.logger.Warn("protobuf value dropped", "name", t.cfg.Name, "error", err)
	t.store.bus.Publish(events.Event{Source: events.SourceSchema, Kind: events.KindValueError,
		Data: map[string]any{"name": params.Name, "id": params.ID, "type": params.Type}, Err: err})
}
