package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// HeartbeatTopicID is the reserved topic id carrying RTT heartbeats. It is
// negative, so frame ids must round-trip as signed msgpack integers.
const HeartbeatTopicID int64 = -1

// BinaryFrame is one msgpack value message: a 4-element array of
// [topicId, serverTime, typeNum, value]. ServerTime is in microseconds.
type BinaryFrame struct {
	TopicID    int64
	ServerTime int64
	TypeNum    int
	Value      any
}

var (
	_ msgpack.CustomEncoder = (*BinaryFrame)(nil)
	_ msgpack.CustomDecoder = (*BinaryFrame)(nil)
)

// EncodeMsgpack implements msgpack.CustomEncoder. The topic id is encoded
// with the signed encoder so the heartbeat id −1 survives the trip.
func (f *BinaryFrame) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := enc.EncodeInt(f.TopicID); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint64(f.ServerTime)); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(f.TypeNum)); err != nil {
		return err
	}
	return enc.Encode(f.Value)
}

// DecodeMsgpack implements msgpack.CustomDecoder. The value keeps the
// msgpack bin/str distinction: bin decodes to []byte, str to string.
func (f *BinaryFrame) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 4 {
		return fmt.Errorf("binary frame has %d elements, want 4", n)
	}
	if f.TopicID, err = dec.DecodeInt64(); err != nil {
		return fmt.Errorf("decode topic id: %w", err)
	}
	if f.ServerTime, err = dec.DecodeInt64(); err != nil {
		return fmt.Errorf("decode server time: %w", err)
	}
	typeNum, err := dec.DecodeInt64()
	if err != nil {
		return fmt.Errorf("decode type num: %w", err)
	}
	f.TypeNum = int(typeNum)
	if f.Value, err = dec.DecodeInterface(); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

// EncodeBinary marshals a single frame.
func EncodeBinary(f BinaryFrame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := f.EncodeMsgpack(enc); err != nil {
		return nil, fmt.Errorf("encode binary frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBinary parses all concatenated frames in a binary message. Servers
// batch multiple value updates into one WebSocket frame.
func DecodeBinary(data []byte) ([]BinaryFrame, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	var frames []BinaryFrame
	for {
		var f BinaryFrame
		err := f.DecodeMsgpack(dec)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("decode binary frame %d: %w", len(frames), err)
		}
		frames = append(frames, f)
	}
}
