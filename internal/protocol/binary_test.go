package protocol

import (
	"testing"
)

func TestBinaryRoundTrip(t *testing.T) {
	cases := []BinaryFrame{
		{TopicID: 3, ServerTime: 1_000_000, TypeNum: 1, Value: 1.234},
		{TopicID: 0, ServerTime: 1, TypeNum: 0, Value: true},
		{TopicID: 11, ServerTime: 2, TypeNum: 2, Value: int64(42)},
		{TopicID: 5, ServerTime: 3, TypeNum: 4, Value: "25 Ball Auto and Climb"},
		{TopicID: 9, ServerTime: 4, TypeNum: 5, Value: []byte{0xde, 0xad}},
	}
	for _, in := range cases {
		data, err := EncodeBinary(in)
		if err != nil {
			t.Fatalf("EncodeBinary(%+v): %v", in, err)
		}
		frames, err := DecodeBinary(data)
		if err != nil {
			t.Fatalf("DecodeBinary(%+v): %v", in, err)
		}
		if len(frames) != 1 {
			t.Fatalf("got %d frames, want 1", len(frames))
		}
		out := frames[0]
		if out.TopicID != in.TopicID || out.ServerTime != in.ServerTime || out.TypeNum != in.TypeNum {
			t.Errorf("header mismatch: got %+v, want %+v", out, in)
		}
	}
}

func TestBinaryHeartbeatIDSigned(t *testing.T) {
	// Topic id −1 marks heartbeats and must survive the msgpack trip as
	// a signed integer.
	in := BinaryFrame{TopicID: HeartbeatTopicID, ServerTime: 0, TypeNum: 1, Value: float64(100)}
	data, err := EncodeBinary(in)
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	frames, err := DecodeBinary(data)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if frames[0].TopicID != -1 {
		t.Errorf("topic id = %d, want -1", frames[0].TopicID)
	}
	if v, ok := frames[0].Value.(float64); !ok || v != 100 {
		t.Errorf("value = %v (%T), want 100.0", frames[0].Value, frames[0].Value)
	}
}

func TestDecodeBinaryConcatenated(t *testing.T) {
	// Servers batch several value messages into one WebSocket frame.
	a, _ := EncodeBinary(BinaryFrame{TopicID: 10, ServerTime: 1, TypeNum: 1, Value: 1.4})
	b, _ := EncodeBinary(BinaryFrame{TopicID: 11, ServerTime: 2, TypeNum: 2, Value: int64(3)})
	c, _ := EncodeBinary(BinaryFrame{TopicID: 12, ServerTime: 3, TypeNum: 1, Value: 3.6})

	frames, err := DecodeBinary(append(append(a, b...), c...))
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[1].TopicID != 11 {
		t.Errorf("frames[1].TopicID = %d, want 11", frames[1].TopicID)
	}
	if v, ok := frames[1].Value.(int64); !ok || v != 3 {
		t.Errorf("frames[1].Value = %v (%T), want int64(3)", frames[1].Value, frames[1].Value)
	}
}

func TestDecodeBinaryArrayValue(t *testing.T) {
	in := BinaryFrame{TopicID: 4, ServerTime: 9, TypeNum: 18, Value: []int64{1, 2, 3}}
	data, err := EncodeBinary(in)
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	frames, err := DecodeBinary(data)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	arr, ok := frames[0].Value.([]any)
	if !ok {
		t.Fatalf("value = %T, want []any", frames[0].Value)
	}
	if len(arr) != 3 {
		t.Errorf("len = %d, want 3", len(arr))
	}
}

func TestDecodeBinaryEmpty(t *testing.T) {
	frames, err := DecodeBinary(nil)
	if err != nil {
		t.Fatalf("DecodeBinary(nil): %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("got %d frames, want 0", len(frames))
	}
}
