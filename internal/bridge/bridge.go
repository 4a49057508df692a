// Package bridge republishes NT topic values to an MQTT broker so
// dashboards and home-automation setups that already speak MQTT can watch
// robot telemetry without an NT client. The bridge is read-only: it mirrors
// a configured NT prefix outward and writes nothing back to the server.
package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/ntgo/internal/config"
	"github.com/nugget/ntgo/internal/events"
	"github.com/nugget/ntgo/internal/ntclient"
	"github.com/nugget/ntgo/internal/protocol"
)

// payload is the JSON body published for each mirrored value.
type payload struct {
	Value      any    `json:"value"`
	Type       string `json:"type"`
	ServerTime int64  `json:"server_time_us"`
}

// Bridge mirrors one NT prefix to an MQTT broker.
type Bridge struct {
	cfg        config.BridgeConfig
	client     *ntclient.Client
	instanceID string
	logger     *slog.Logger
	bus        *events.Bus

	cm      *autopaho.ConnectionManager
	limiter *rateLimiter
	subuid  int
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to begin.
func New(cfg config.BridgeConfig, client *ntclient.Client, instanceID string, logger *slog.Logger, bus *events.Bus) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:        cfg,
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		bus:        bus,
		subuid:     -1,
	}
}

// Start connects to the broker and subscribes to the configured NT prefix.
// It blocks until ctx is cancelled. With the bridge disabled or no broker
// URL configured it returns immediately.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.cfg.Enabled || b.cfg.Broker == "" {
		return nil
	}

	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := b.cfg.BaseTopic + "/bridge/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Publish(pubCtx, &paho.Publish{
				Topic:   availTopic,
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				b.logger.Warn("publish availability", "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "ntbridge-" + shortID(b.instanceID),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	b.limiter = newRateLimiter(int64(b.cfg.RateLimit), time.Second, b.logger)
	go b.limiter.start(ctx)

	b.subuid = b.client.PrefixTopic(b.cfg.Prefix).Subscribe(b.onValue, protocol.SubscriptionOptions{
		All: protocol.Bool(true),
	}, -1, true)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	if b.subuid >= 0 {
		b.client.PrefixTopic(b.cfg.Prefix).Unsubscribe(b.subuid, true)
	}
	_, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.cfg.BaseTopic + "/bridge/availability",
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		b.logger.Warn("publish offline availability", "error", err)
	}
	return b.cm.Disconnect(ctx)
}

// onValue republishes one NT value update to the broker.
func (b *Bridge) onValue(value any, params protocol.AnnounceParams) {
	if b.cm == nil || !b.limiter.allow() {
		return
	}

	body, err := json.Marshal(payload{
		Value:      jsonValue(value),
		Type:       params.Type,
		ServerTime: b.client.ServerTime(),
	})
	if err != nil {
		b.logger.Warn("encode bridge payload", "name", params.Name, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.mqttTopic(params.Name),
		Payload: body,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("bridge publish", "name", params.Name, "error", err)
		b.bus.Publish(events.Event{Source: events.SourceBridge, Kind: events.KindValueError,
			Data: map[string]any{"name": params.Name}, Err: err})
	}
}

// mqttTopic maps an NT topic name onto the bridge's MQTT namespace. NT
// names already use slash separators; the leading slash folds into the
// base topic.
func (b *Bridge) mqttTopic(ntName string) string {
	return b.cfg.BaseTopic + "/" + strings.TrimPrefix(ntName, "/")
}

// jsonValue converts the odd NT value kinds into something the JSON
// encoder renders usefully (raw bytes would otherwise become base64 with
// no type hint).
func jsonValue(v any) any {
	if b, ok := v.([]byte); ok {
		return map[string]any{"bytes": len(b)}
	}
	return v
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
