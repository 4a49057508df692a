package schema

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"

	"github.com/nugget/ntgo/internal/ntclient"
	"github.com/nugget/ntgo/internal/protocol"
	"github.com/nugget/ntgo/internal/socket"
)

// schemaServer is just enough NT4 server to observe what RegisterSchema
// puts on the wire. It never answers; the client's optimistic publish path
// covers for it.
type schemaServer struct {
	srv      *httptest.Server
	mu       sync.Mutex
	texts    chan json.RawMessage
	binaries chan protocol.BinaryFrame
}

func newSchemaServer(t *testing.T) *schemaServer {
	ss := &schemaServer{
		texts:    make(chan json.RawMessage, 64),
		binaries: make(chan protocol.BinaryFrame, 64),
	}
	upgrader := websocket.Upgrader{Subprotocols: []string{socket.Subprotocol}}
	ss.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch mt {
			case websocket.TextMessage:
				var msgs []json.RawMessage
				if err := json.Unmarshal(data, &msgs); err != nil {
					continue
				}
				for _, m := range msgs {
					ss.texts <- m
				}
			case websocket.BinaryMessage:
				frames, err := protocol.DecodeBinary(data)
				if err != nil {
					continue
				}
				for _, f := range frames {
					if f.TopicID != protocol.HeartbeatTopicID {
						ss.binaries <- f
					}
				}
			}
		}
	}))
	t.Cleanup(ss.srv.Close)
	return ss
}

func TestRegisterSchemaPublishesRetainedTopic(t *testing.T) {
	ss := newSchemaServer(t)
	url := "ws" + strings.TrimPrefix(ss.srv.URL, "http") + "/nt/ntcore-go-schema"

	c := ntclient.New(ntclient.Config{URL: url, DisableReconnect: true})
	t.Cleanup(c.Cleanup)
	s := NewStore(c, nil, nil)
	c.Connect()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitForConnection(ctx); err != nil {
		t.Fatal(err)
	}

	// The store's own prefix subscription lands first.
	waitFor := func(method string) json.RawMessage {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case m := <-ss.texts:
				var probe struct {
					Method string          `json:"method"`
					Params json.RawMessage `json:"params"`
				}
				if err := json.Unmarshal(m, &probe); err != nil {
					t.Fatal(err)
				}
				if probe.Method == method {
					return probe.Params
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", method)
			}
		}
	}
	waitFor("subscribe")

	path := filepath.Join(t.TempDir(), "pose.bin")
	data, _ := proto.Marshal(poseDescriptor())
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	fullName, fd, err := s.RegisterSchema(context.Background(), path, "")
	if err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}
	if fullName != "frc.Pose2d" {
		t.Errorf("fullName = %q", fullName)
	}
	if fd == nil || fd.Path() != "pose.proto" {
		t.Errorf("fd = %v", fd)
	}

	var pub protocol.PublishParams
	if err := json.Unmarshal(waitFor("publish"), &pub); err != nil {
		t.Fatal(err)
	}
	if pub.Name != TopicPrefix+"pose.proto" {
		t.Errorf("schema topic name = %q", pub.Name)
	}
	if pub.Type != DescriptorWireType {
		t.Errorf("schema wire type = %q, want %q", pub.Type, DescriptorWireType)
	}
	if pub.Properties.Retained == nil || !*pub.Properties.Retained {
		t.Errorf("schema topic not retained: %+v", pub.Properties)
	}

	// The serialized descriptor goes out as the initial value.
	select {
	case f := <-ss.binaries:
		b, ok := f.Value.([]byte)
		if !ok {
			t.Fatalf("schema value type = %T", f.Value)
		}
		if !strings.Contains(string(b), "pose.proto") {
			t.Error("schema payload does not carry the descriptor")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("schema value never sent")
	}

	// The root is usable locally right away.
	if _, err := s.FetchMessageType("frc.Pose2d"); err != nil {
		t.Errorf("FetchMessageType after register: %v", err)
	}

	// Registering again coalesces/no-ops without error.
	if _, _, err := s.RegisterSchema(context.Background(), path, "Pose2d"); err != nil {
		t.Errorf("second RegisterSchema: %v", err)
	}
}
