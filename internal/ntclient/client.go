package ntclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/ntgo/internal/events"
	"github.com/nugget/ntgo/internal/nttype"
	"github.com/nugget/ntgo/internal/protocol"
	"github.com/nugget/ntgo/internal/socket"
)

// Config configures a Client.
type Config struct {
	// URL is the full WebSocket endpoint including the /nt/<client-id>
	// path (see config.ServerConfig.URL).
	URL string
	// DisableReconnect turns off the automatic redial one second after a
	// lost connection. Reconnect is on when this is false (the default).
	DisableReconnect bool
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
	// Bus receives operational events. May be nil.
	Bus *events.Bus
}

// Client is one NT4 client instance. It owns exactly one Socket, one
// Messenger and one Registry; topics hold a non-owning reference back to
// it so they can reach the messenger.
type Client struct {
	logger *slog.Logger
	bus    *events.Bus

	sock *socket.Socket
	msgr *Messenger
	reg  *Registry

	mu      sync.Mutex
	cleaned bool
}

// NewClientID returns a fresh protocol client id of the conventional
// ntcore-go-<random> shape.
func NewClientID() string {
	return "ntcore-go-" + uuid.NewString()
}

// New wires up a Client. Call [Client.Connect] to open the connection.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{logger: logger, bus: cfg.Bus}

	c.sock = socket.New(socket.Config{
		URL:           cfg.URL,
		AutoReconnect: !cfg.DisableReconnect,
		Logger:        logger,
		Bus:           cfg.Bus,
		Handlers: socket.Handlers{
			OnOpen: func() { c.msgr.OnSocketOpen() },
			OnAnnounce: func(p protocol.AnnounceParams) {
				c.msgr.HandleAnnounce(p)
				c.reg.OnTopicAnnounce(p)
			},
			OnUnannounce: func(p protocol.UnannounceParams) {
				c.reg.OnTopicUnannounce(p)
			},
			OnProperties: func(p protocol.PropertiesAckParams) {
				c.msgr.HandleProperties(p)
				c.reg.OnPropertiesAck(p)
			},
			OnTopicUpdate: func(f protocol.BinaryFrame) {
				if err := c.reg.OnTopicUpdate(f); err != nil {
					logger.Warn("dropped inbound value", "error", err)
				}
			},
		},
	})
	c.msgr = NewMessenger(c.sock, logger, cfg.Bus)
	c.reg = NewRegistry(c.msgr, logger, cfg.Bus)
	c.msgr.SetAnnounceHook(c.reg.OnTopicAnnounce)
	return c
}

// Connect starts the connection attempt and returns immediately.
func (c *Client) Connect() {
	c.sock.Open()
}

// WaitForConnection blocks until the socket is OPEN or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	return c.sock.WaitForConnection(ctx)
}

// Connected reports whether the socket is currently OPEN.
func (c *Client) Connected() bool {
	return c.sock.Connected()
}

// AddConnectionListener registers a connection-state callback; see
// [socket.Socket.AddConnectionListener].
func (c *Client) AddConnectionListener(cb func(bool), immediate bool) func() {
	return c.sock.AddConnectionListener(cb, immediate)
}

// ServerTime returns the projected server clock in microseconds.
func (c *Client) ServerTime() int64 {
	return c.sock.GetServerTime()
}

// Registry exposes the pub/sub registry.
func (c *Client) Registry() *Registry { return c.reg }

// Messenger exposes the control-message layer.
func (c *Client) Messenger() *Messenger { return c.msgr }

// Topic returns the topic registered under name, creating it when absent.
// An existing topic with a matching type is returned as-is; a different
// type fails with ErrTypeMismatch.
func (c *Client) Topic(name string, ti nttype.TypeInfo) (*Topic, error) {
	if existing := c.reg.GetTopicByName(name); existing != nil {
		if existing.typeInfo != ti {
			return nil, fmt.Errorf("topic %q is %s not %s: %w",
				name, existing.typeInfo.Name, ti.Name, ErrTypeMismatch)
		}
		return existing, nil
	}
	t := newTopic(c, name, ti)
	if err := c.reg.RegisterTopic(t); err != nil {
		// Lost a creation race; hand back the winner when types agree.
		if existing := c.reg.GetTopicByName(name); existing != nil {
			if existing.typeInfo == ti {
				return existing, nil
			}
			return nil, fmt.Errorf("topic %q is %s not %s: %w",
				name, existing.typeInfo.Name, ti.Name, ErrTypeMismatch)
		}
		return nil, err
	}
	return t, nil
}

// TopicWithDefault is Topic plus an initial in-memory value for fresh
// topics. The default is local only; nothing is sent to the server.
func (c *Client) TopicWithDefault(name string, ti nttype.TypeInfo, def any) (*Topic, error) {
	t, err := c.Topic(name, ti)
	if err != nil {
		return nil, err
	}
	coerced, err := ti.Coerce(def)
	if err != nil {
		return nil, fmt.Errorf("default for %q: %w", name, err)
	}
	t.mu.Lock()
	if t.value == nil {
		t.value = coerced
	}
	t.mu.Unlock()
	return t, nil
}

// PrefixTopic returns the prefix topic registered under prefix, creating
// it when absent.
func (c *Client) PrefixTopic(prefix string) *PrefixTopic {
	if existing := c.reg.GetPrefixByName(prefix); existing != nil {
		return existing
	}
	p := newPrefixTopic(c, prefix)
	if err := c.reg.RegisterPrefix(p); err != nil {
		return c.reg.GetPrefixByName(prefix)
	}
	return p
}

// Reinstantiate drops the current connection, dials url and restores all
// topic state on the new server.
func (c *Client) Reinstantiate(url string) {
	c.reg.Reinstantiate(url)
}

// Cleanup tears the client down: unsubscribes and unpublishes everything,
// closes the socket for good, and rejects new in-flight operations with
// ErrCleaningUp. Pending publish or setproperties futures are left to time
// out. Safe to call twice.
func (c *Client) Cleanup() {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return
	}
	c.cleaned = true
	c.mu.Unlock()

	c.reg.Cleanup()
	c.sock.Shutdown()
	c.logger.Info("client cleaned up")
}
