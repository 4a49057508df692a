// Package socket owns the single WebSocket connection to an NT4 server. It
// converts between wire frames and typed callbacks, queues outbound traffic
// while connecting, reconnects after loss, emits the RTT heartbeat, and
// projects server time from the best observed round trip.
package socket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/ntgo/internal/config"
	"github.com/nugget/ntgo/internal/events"
	"github.com/nugget/ntgo/internal/nttype"
	"github.com/nugget/ntgo/internal/protocol"
)

// Subprotocol is the WebSocket subprotocol NT4 servers require.
const Subprotocol = "networktables.first.wpi.edu"

const (
	defaultReconnectDelay    = time.Second
	defaultHeartbeatInterval = time.Second
)

// Handlers receives decoded inbound traffic. OnOpen fires on every
// successful (re)connection before any connection listener, while outbound
// sends still queue, so replay traffic keeps FIFO order with frames queued
// during the dial. All handlers run on the socket's read goroutine.
type Handlers struct {
	OnOpen        func()
	OnAnnounce    func(protocol.AnnounceParams)
	OnUnannounce  func(protocol.UnannounceParams)
	OnProperties  func(protocol.PropertiesAckParams)
	OnTopicUpdate func(protocol.BinaryFrame)
}

// Config configures a Socket.
type Config struct {
	// URL is the full ws:// endpoint including the /nt/<client-id> path.
	URL string
	// AutoReconnect schedules a new dial one second after a close event.
	AutoReconnect bool
	Handlers      Handlers
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
	// Bus receives connect/disconnect events. May be nil.
	Bus *events.Bus
}

type outFrame struct {
	messageType int
	data        []byte
}

// Socket maintains one WebSocket connection and its timers.
type Socket struct {
	handlers Handlers
	logger   *slog.Logger
	bus      *events.Bus

	mu            sync.Mutex
	url           string
	conn          *websocket.Conn
	connected     bool
	dialing       bool
	shutdown      bool
	autoReconnect bool
	queue         []outFrame
	listeners     map[int]func(bool)
	nextListener  int
	waiters       []chan struct{}

	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}

	// RTT state. bestRTT is −1 until the first heartbeat reply.
	lastHeartbeatSent int64
	bestRTT           int64
	offset            int64

	// Overridable for tests.
	now               func() time.Time
	reconnectDelay    time.Duration
	heartbeatInterval time.Duration
}

// New creates a Socket but does not connect. Call [Socket.Open] to begin.
func New(cfg Config) *Socket {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		handlers:          cfg.Handlers,
		logger:            logger,
		bus:               cfg.Bus,
		url:               cfg.URL,
		autoReconnect:     cfg.AutoReconnect,
		listeners:         make(map[int]func(bool)),
		bestRTT:           -1,
		now:               time.Now,
		reconnectDelay:    defaultReconnectDelay,
		heartbeatInterval: defaultHeartbeatInterval,
	}
}

// Open starts the connection attempt. It returns immediately; outbound
// frames submitted before OPEN are queued and flushed in order once the
// connection is up.
func (s *Socket) Open() {
	go s.connect()
}

func (s *Socket) connect() {
	s.mu.Lock()
	if s.dialing || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.dialing = true
	url := s.url
	s.mu.Unlock()

	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(url, nil)

	s.mu.Lock()
	s.dialing = false
	if s.shutdown {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("dial failed", "url", url, "error", err)
		s.scheduleReconnect()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("connected", "url", url)

	// OnOpen runs while the socket still reports not-connected: replay
	// frames issued by the handler append to the queue behind anything
	// submitted during the dial, and the flush below preserves FIFO.
	if s.handlers.OnOpen != nil {
		s.handlers.OnOpen()
	}

	s.mu.Lock()
	s.connected = true
	pending := s.queue
	s.queue = nil
	listeners := s.snapshotListeners()
	waiters := s.waiters
	s.waiters = nil
	s.heartbeatStop = make(chan struct{})
	stop := s.heartbeatStop
	s.mu.Unlock()

	for _, f := range pending {
		if err := s.writeFrame(f.messageType, f.data); err != nil {
			s.logger.Warn("flush queued frame", "error", err)
		}
	}

	go s.heartbeatLoop(stop)
	go s.readLoop(conn)

	for _, cb := range listeners {
		cb(true)
	}
	for _, w := range waiters {
		close(w)
	}
	s.bus.Publish(events.Event{Source: events.SourceSocket, Kind: events.KindConnect, Data: map[string]any{"url": url}})
}

// Close closes the socket and stops the heartbeat. With auto-reconnect
// enabled a new dial is scheduled one second after the close event; use
// [Socket.Shutdown] to close permanently.
func (s *Socket) Close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Shutdown disables reconnect and closes the connection for good.
func (s *Socket) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Reinstantiate closes the current connection and dials the new URL
// immediately, bypassing the reconnect delay. Queued frames and RTT state
// are retained.
func (s *Socket) Reinstantiate(url string) {
	s.mu.Lock()
	s.url = url
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.stopHeartbeatLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	go s.connect()
}

// SendText sends one control message, queueing it while not OPEN.
func (s *Socket) SendText(msg protocol.Message) {
	data, err := protocol.EncodeText(msg)
	if err != nil {
		s.logger.Error("encode control message", "method", msg.Method, "error", err)
		return
	}
	s.send(websocket.TextMessage, data)
}

// SendBinary sends one value frame, queueing it while not OPEN.
func (s *Socket) SendBinary(frame protocol.BinaryFrame) {
	data, err := protocol.EncodeBinary(frame)
	if err != nil {
		s.logger.Error("encode binary frame", "topic_id", frame.TopicID, "error", err)
		return
	}
	s.send(websocket.BinaryMessage, data)
}

// SendValueToTopic encodes and sends a value update stamped with the
// projected server time. Returns the timestamp used, or −1 when the socket
// is not connected (the frame is dropped, not queued — the caller owns
// retry policy for values).
func (s *Socket) SendValueToTopic(id int64, value any, ti nttype.TypeInfo) int64 {
	s.mu.Lock()
	connected := s.connected
	ts := s.serverTimeLocked()
	s.mu.Unlock()
	if !connected {
		return -1
	}

	frame := protocol.BinaryFrame{
		TopicID:    id,
		ServerTime: ts,
		TypeNum:    ti.Num,
		Value:      value,
	}
	s.SendBinary(frame)
	return ts
}

// Connected reports whether the socket is currently OPEN.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// AddConnectionListener registers a callback invoked with the connection
// state on every transition. When immediate is true the callback also fires
// right away with the current state. The returned func removes the
// listener.
func (s *Socket) AddConnectionListener(cb func(connected bool), immediate bool) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = cb
	current := s.connected
	s.mu.Unlock()

	if immediate {
		cb(current)
	}
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// WaitForConnection blocks until the socket is OPEN or the context ends.
func (s *Socket) WaitForConnection(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetServerTime projects the server clock in microseconds from the best
// RTT sample: local − offset + bestRTT/2 (the half-RTT rounded up to a
// whole microsecond), with the half-RTT term omitted until the first
// heartbeat reply.
func (s *Socket) GetServerTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverTimeLocked()
}

func (s *Socket) serverTimeLocked() int64 {
	t := s.localMicros() - s.offset
	if s.bestRTT >= 0 {
		t += (s.bestRTT + 1) / 2
	}
	return t
}

func (s *Socket) localMicros() int64 {
	return s.now().UnixMicro()
}

func (s *Socket) send(messageType int, data []byte) {
	s.mu.Lock()
	if !s.connected || s.conn == nil {
		s.queue = append(s.queue, outFrame{messageType, data})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.writeFrame(messageType, data); err != nil {
		s.logger.Warn("send failed", "error", err)
	}
}

// writeFrame serializes writes through the mutex; gorilla permits one
// concurrent writer only.
func (s *Socket) writeFrame(messageType int, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	return conn.WriteMessage(messageType, data)
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(conn, err)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			s.handleBinary(data)
		}
	}
}

func (s *Socket) handleText(data []byte) {
	msgs, err := protocol.DecodeText(data)
	if err != nil {
		s.logger.Warn("malformed text frame", "error", err)
		return
	}
	for _, m := range msgs {
		switch {
		case m.Announce != nil:
			if s.handlers.OnAnnounce != nil {
				s.handlers.OnAnnounce(*m.Announce)
			}
		case m.Unannounce != nil:
			if s.handlers.OnUnannounce != nil {
				s.handlers.OnUnannounce(*m.Unannounce)
			}
		case m.Properties != nil:
			if s.handlers.OnProperties != nil {
				s.handlers.OnProperties(*m.Properties)
			}
		default:
			s.logger.Warn("unknown control method", "method", m.Method)
		}
	}
}

func (s *Socket) handleBinary(data []byte) {
	frames, err := protocol.DecodeBinary(data)
	if err != nil {
		s.logger.Warn("malformed binary frame", "error", err)
	}
	for _, f := range frames {
		if f.TopicID == protocol.HeartbeatTopicID {
			s.handleHeartbeatReply(f)
			continue
		}
		if s.handlers.OnTopicUpdate != nil {
			s.handlers.OnTopicUpdate(f)
		}
	}
}

// handleHeartbeatReply applies the RTT update rule: the best round trip
// only decreases (or is set from unset), and the offset moves only with it.
func (s *Socket) handleHeartbeatReply(f protocol.BinaryFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.localMicros()
	rtt := now - s.lastHeartbeatSent
	if s.bestRTT < 0 || rtt < s.bestRTT {
		s.bestRTT = rtt
		s.offset = now - f.ServerTime
		s.logger.Log(context.Background(), config.LevelTrace, "rtt sample accepted",
			"rtt_us", rtt, "offset_us", s.offset)
	}
}

func (s *Socket) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sendHeartbeat()
		}
	}
}

func (s *Socket) sendHeartbeat() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	local := s.localMicros()
	s.lastHeartbeatSent = local
	s.mu.Unlock()

	s.SendBinary(protocol.BinaryFrame{
		TopicID:    protocol.HeartbeatTopicID,
		ServerTime: 0,
		TypeNum:    nttype.Double.Num,
		Value:      float64(local),
	})
}

func (s *Socket) handleClose(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// A Reinstantiate already replaced this connection.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	wasConnected := s.connected
	s.connected = false
	s.stopHeartbeatLocked()
	listeners := s.snapshotListeners()
	url := s.url
	s.mu.Unlock()

	conn.Close()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Info("connection closed", "url", url)
	} else {
		s.logger.Warn("connection lost", "url", url, "error", err)
	}

	if wasConnected {
		for _, cb := range listeners {
			cb(false)
		}
		s.bus.Publish(events.Event{Source: events.SourceSocket, Kind: events.KindDisconnect,
			Data: map[string]any{"url": url}, Err: err})
	}
	s.scheduleReconnect()
}

func (s *Socket) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.autoReconnect || s.shutdown || s.reconnectTimer != nil {
		return
	}
	s.reconnectTimer = time.AfterFunc(s.reconnectDelay, func() {
		s.mu.Lock()
		s.reconnectTimer = nil
		s.mu.Unlock()
		s.connect()
	})
}

func (s *Socket) stopHeartbeatLocked() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
}

func (s *Socket) snapshotListeners() []func(bool) {
	out := make([]func(bool), 0, len(s.listeners))
	for _, cb := range s.listeners {
		out = append(out, cb)
	}
	return out
}
