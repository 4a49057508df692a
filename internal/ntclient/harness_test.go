package ntclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/ntgo/internal/protocol"
	"github.com/nugget/ntgo/internal/socket"
)

// receivedText is one control message as the fake server saw it.
type receivedText struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeServer is a minimal NT4 server for driving the client end to end.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn

	texts    chan receivedText
	binaries chan protocol.BinaryFrame
	accepted chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{
		t:        t,
		texts:    make(chan receivedText, 64),
		binaries: make(chan protocol.BinaryFrame, 64),
		accepted: make(chan struct{}, 8),
	}
	upgrader := websocket.Upgrader{Subprotocols: []string{socket.Subprotocol}}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		fs.accepted <- struct{}{}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch mt {
			case websocket.TextMessage:
				var msgs []receivedText
				if err := json.Unmarshal(data, &msgs); err != nil {
					t.Errorf("server decode text: %v", err)
					continue
				}
				for _, m := range msgs {
					fs.texts <- m
				}
			case websocket.BinaryMessage:
				frames, err := protocol.DecodeBinary(data)
				if err != nil {
					t.Errorf("server decode binary: %v", err)
					continue
				}
				for _, f := range frames {
					// Heartbeats are not interesting to these tests.
					if f.TopicID == protocol.HeartbeatTopicID {
						continue
					}
					fs.binaries <- f
				}
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/nt/ntcore-go-test"
}

func (fs *fakeServer) send(method string, params any) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, err := json.Marshal([]protocol.Message{{Method: method, Params: params}})
	if err != nil {
		fs.t.Fatalf("server marshal: %v", err)
	}
	if err := fs.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		fs.t.Errorf("server send: %v", err)
	}
}

func (fs *fakeServer) sendBinary(frames ...protocol.BinaryFrame) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var data []byte
	for _, f := range frames {
		b, err := protocol.EncodeBinary(f)
		if err != nil {
			fs.t.Fatalf("server encode: %v", err)
		}
		data = append(data, b...)
	}
	if err := fs.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		fs.t.Errorf("server send binary: %v", err)
	}
}

func (fs *fakeServer) dropConn() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.conn.Close()
}

// expectText waits for the next control message of the given method,
// failing on anything else.
func (fs *fakeServer) expectText(t *testing.T, method string) receivedText {
	t.Helper()
	select {
	case m := <-fs.texts:
		if m.Method != method {
			t.Fatalf("got %q message, want %q (params: %s)", m.Method, method, m.Params)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q message", method)
		return receivedText{}
	}
}

func (fs *fakeServer) expectNoText(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case m := <-fs.texts:
		t.Fatalf("unexpected %q message: %s", m.Method, m.Params)
	case <-time.After(wait):
	}
}

func (fs *fakeServer) expectBinary(t *testing.T) protocol.BinaryFrame {
	t.Helper()
	select {
	case f := <-fs.binaries:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a binary frame")
		return protocol.BinaryFrame{}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newConnectedClient spins up a client against the fake server with test
// friendly timeouts and waits for the connection.
func newConnectedClient(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	c := New(Config{URL: fs.url(), Logger: quietLogger()})
	c.msgr.publishTimeout = 500 * time.Millisecond
	c.msgr.propsTimeout = 500 * time.Millisecond
	c.Connect()
	t.Cleanup(c.Cleanup)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitForConnection(ctx); err != nil {
		t.Fatalf("WaitForConnection: %v", err)
	}
	<-fs.accepted
	return c
}

func unmarshalParams[T any](t *testing.T, m receivedText) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(m.Params, &out); err != nil {
		t.Fatalf("unmarshal %q params: %v", m.Method, err)
	}
	return out
}
