package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeTextShape(t *testing.T) {
	data, err := EncodeText(Message{
		Method: MethodSubscribe,
		Params: SubscribeParams{
			Topics:  []string{"/MyTable/Gyro"},
			SubUID:  0,
			Options: SubscriptionOptions{},
		},
	})
	if err != nil {
		t.Fatalf("EncodeText: %v", err)
	}

	var decoded []map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("frame is not a JSON array: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("frame has %d elements, want 1", len(decoded))
	}
	if decoded[0]["method"] != "subscribe" {
		t.Errorf("method = %v, want subscribe", decoded[0]["method"])
	}
	params := decoded[0]["params"].(map[string]any)
	if params["subuid"] != float64(0) {
		t.Errorf("subuid = %v, want 0", params["subuid"])
	}
	// Unset options must not appear on the wire.
	opts := params["options"].(map[string]any)
	if len(opts) != 0 {
		t.Errorf("options = %v, want empty", opts)
	}
}

func TestEncodeTextOmitsUnsetProperties(t *testing.T) {
	data, err := EncodeText(Message{
		Method: MethodPublish,
		Params: PublishParams{Name: "/a", PubUID: 1, Type: "double"},
	})
	if err != nil {
		t.Fatalf("EncodeText: %v", err)
	}
	if strings.Contains(string(data), "persistent") || strings.Contains(string(data), "retained") {
		t.Errorf("unset properties leaked onto the wire: %s", data)
	}
}

func TestDecodeTextAnnounce(t *testing.T) {
	raw := `[{"method":"announce","params":{"name":"/MyTable/Gyro","id":3,"type":"double","properties":{}}}]`
	msgs, err := DecodeText([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Announce == nil {
		t.Fatalf("announce not decoded: %+v", msgs)
	}
	a := msgs[0].Announce
	if a.Name != "/MyTable/Gyro" || a.ID != 3 || a.Type != "double" {
		t.Errorf("announce = %+v", a)
	}
	if a.PubUID != nil {
		t.Errorf("pubuid = %v, want nil", *a.PubUID)
	}
}

func TestDecodeTextAnnounceWithPubuid(t *testing.T) {
	raw := `[{"method":"announce","params":{"name":"/a","id":1,"type":"string","properties":{},"pubuid":7}}]`
	msgs, err := DecodeText([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if msgs[0].Announce.PubUID == nil || *msgs[0].Announce.PubUID != 7 {
		t.Errorf("pubuid not decoded: %+v", msgs[0].Announce)
	}
}

func TestDecodeTextUnknownMethod(t *testing.T) {
	raw := `[{"method":"mystery","params":{"x":1}},{"method":"unannounce","params":{"name":"/a","id":2}}]`
	msgs, err := DecodeText([]byte(raw))
	if err != nil {
		t.Fatalf("unknown method failed the frame: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Announce != nil || msgs[0].Unannounce != nil || msgs[0].Properties != nil {
		t.Error("unknown method decoded into a typed message")
	}
	if msgs[0].Method != "mystery" {
		t.Errorf("method = %q, want mystery", msgs[0].Method)
	}
	if msgs[1].Unannounce == nil || msgs[1].Unannounce.ID != 2 {
		t.Errorf("unannounce not decoded: %+v", msgs[1])
	}
}

func TestDecodeTextProperties(t *testing.T) {
	raw := `[{"method":"properties","params":{"name":"/a","ack":true,"update":{"retained":true}}}]`
	msgs, err := DecodeText([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	p := msgs[0].Properties
	if p == nil || !p.Ack || p.Update == nil || p.Update.Retained == nil || !*p.Update.Retained {
		t.Errorf("properties = %+v", p)
	}
}

func TestDecodeTextInvalid(t *testing.T) {
	cases := []string{
		`{"method":"announce"}`, // not an array
		`[{"method":"announce","params":{"name":"","id":1,"type":"double"}}]`,  // empty name
		`[{"method":"announce","params":{"name":"/a","id":-2,"type":"raw"}}]`,  // negative id
		`[{"method":"unannounce","params":{"id":3}}]`,                          // missing name
	}
	for _, raw := range cases {
		if _, err := DecodeText([]byte(raw)); err == nil {
			t.Errorf("DecodeText(%s) did not fail", raw)
		}
	}
}
