// Package protocol defines the NT4 wire formats: JSON text frames carrying
// arrays of control messages, and msgpack binary frames carrying timestamped
// topic values.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Control message method names.
const (
	MethodPublish       = "publish"
	MethodUnpublish     = "unpublish"
	MethodSetProperties = "setproperties"
	MethodSubscribe     = "subscribe"
	MethodUnsubscribe   = "unsubscribe"
	MethodAnnounce      = "announce"
	MethodUnannounce    = "unannounce"
	MethodProperties    = "properties"
)

// Properties is the recognized topic configuration. All fields optional;
// nil means "not specified" so property updates can distinguish false from
// absent.
type Properties struct {
	// Persistent topics survive a server restart.
	Persistent *bool `json:"persistent,omitempty"`
	// Retained topics are not deleted when the last publisher leaves.
	Retained *bool `json:"retained,omitempty"`
}

// SubscriptionOptions are the recognized subscribe options.
type SubscriptionOptions struct {
	// Periodic is the suggested update interval in seconds.
	Periodic *float64 `json:"periodic,omitempty"`
	// All requests every value change instead of the coalesced latest.
	All *bool `json:"all,omitempty"`
	// TopicsOnly requests announcements without values.
	TopicsOnly *bool `json:"topicsonly,omitempty"`
	// Prefix treats the subscribed names as topic-name prefixes.
	Prefix *bool `json:"prefix,omitempty"`
}

// PublishParams is the payload of a publish message.
type PublishParams struct {
	Name       string     `json:"name"`
	PubUID     int        `json:"pubuid"`
	Type       string     `json:"type"`
	Properties Properties `json:"properties"`
}

// UnpublishParams is the payload of an unpublish message.
type UnpublishParams struct {
	PubUID int `json:"pubuid"`
}

// SetPropertiesParams is the payload of a setproperties message.
type SetPropertiesParams struct {
	Name   string     `json:"name"`
	Update Properties `json:"update"`
}

// SubscribeParams is the payload of a subscribe message.
type SubscribeParams struct {
	Topics  []string            `json:"topics"`
	SubUID  int                 `json:"subuid"`
	Options SubscriptionOptions `json:"options"`
}

// UnsubscribeParams is the payload of an unsubscribe message.
type UnsubscribeParams struct {
	SubUID int `json:"subuid"`
}

// AnnounceParams is the payload of a server announce message. PubUID is
// present only when the announce answers this client's publish.
type AnnounceParams struct {
	Name       string     `json:"name"`
	ID         int64      `json:"id"`
	Type       string     `json:"type"`
	Properties Properties `json:"properties"`
	PubUID     *int       `json:"pubuid,omitempty"`
}

// UnannounceParams is the payload of a server unannounce message.
type UnannounceParams struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

// PropertiesAckParams is the payload of a server properties message.
type PropertiesAckParams struct {
	Name   string      `json:"name"`
	Ack    bool        `json:"ack"`
	Update *Properties `json:"update,omitempty"`
}

// Message is one control message: a method name plus its params. Outbound
// messages set Params to one of the typed param structs above.
type Message struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// EncodeText marshals control messages as the protocol's text frame: a JSON
// array of {method, params} objects.
func EncodeText(msgs ...Message) ([]byte, error) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode text frame: %w", err)
	}
	return data, nil
}

// ServerMessage is one decoded inbound control message. Exactly one of the
// typed fields matching Method is set; unrecognized methods leave all of
// them nil so the caller can log and continue.
type ServerMessage struct {
	Method     string
	Announce   *AnnounceParams
	Unannounce *UnannounceParams
	Properties *PropertiesAckParams
}

type rawMessage struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// DecodeText parses a text frame into server messages, validating each
// element against the message schema. A malformed element fails the whole
// frame; an unknown method does not.
func DecodeText(data []byte) ([]ServerMessage, error) {
	var raw []rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode text frame: %w", err)
	}

	out := make([]ServerMessage, 0, len(raw))
	for i, m := range raw {
		sm := ServerMessage{Method: m.Method}
		switch m.Method {
		case MethodAnnounce:
			var p AnnounceParams
			if err := json.Unmarshal(m.Params, &p); err != nil {
				return nil, fmt.Errorf("decode announce params at %d: %w", i, err)
			}
			if p.Name == "" || p.ID < 0 {
				return nil, fmt.Errorf("invalid announce params at %d: name=%q id=%d", i, p.Name, p.ID)
			}
			sm.Announce = &p
		case MethodUnannounce:
			var p UnannounceParams
			if err := json.Unmarshal(m.Params, &p); err != nil {
				return nil, fmt.Errorf("decode unannounce params at %d: %w", i, err)
			}
			if p.Name == "" {
				return nil, fmt.Errorf("invalid unannounce params at %d: empty name", i)
			}
			sm.Unannounce = &p
		case MethodProperties:
			var p PropertiesAckParams
			if err := json.Unmarshal(m.Params, &p); err != nil {
				return nil, fmt.Errorf("decode properties params at %d: %w", i, err)
			}
			if p.Name == "" {
				return nil, fmt.Errorf("invalid properties params at %d: empty name", i)
			}
			sm.Properties = &p
		}
		out = append(out, sm)
	}
	return out, nil
}

// Bool returns a pointer to b, for building Properties and
// SubscriptionOptions literals.
func Bool(b bool) *bool { return &b }

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }
