package bridge

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/ntgo/internal/config"
)

func testBridge(cfg config.BridgeConfig) *Bridge {
	cfg.Enabled = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, nil, "0123456789abcdef", logger, nil)
}

func TestMQTTTopicMapping(t *testing.T) {
	b := testBridge(config.BridgeConfig{BaseTopic: "nt"})

	cases := map[string]string{
		"/MyTable/Gyro":            "nt/MyTable/Gyro",
		"/MyTable/Accelerometer/X": "nt/MyTable/Accelerometer/X",
		"bare":                     "nt/bare",
	}
	for ntName, want := range cases {
		if got := b.mqttTopic(ntName); got != want {
			t.Errorf("mqttTopic(%q) = %q, want %q", ntName, got, want)
		}
	}
}

func TestJSONValueBytesPlaceholder(t *testing.T) {
	v := jsonValue([]byte{1, 2, 3})
	m, ok := v.(map[string]any)
	if !ok || m["bytes"] != 3 {
		t.Errorf("jsonValue(bytes) = %v", v)
	}
	if got := jsonValue(1.5); got != 1.5 {
		t.Errorf("jsonValue(1.5) = %v", got)
	}
}

func TestDisabledBridgeStartsNothing(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(config.BridgeConfig{}, nil, "id", logger, nil)

	done := make(chan error, 1)
	go func() { done <- b.Start(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("disabled Start = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("disabled bridge did not return immediately")
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Errorf("Stop on never-started bridge = %v", err)
	}
}

func TestRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := newRateLimiter(2, 10*time.Millisecond, logger)

	if !r.allow() || !r.allow() {
		t.Fatal("first two messages rejected")
	}
	if r.allow() {
		t.Error("third message allowed over the limit")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.start(ctx)

	deadline := time.Now().Add(time.Second)
	for !r.allow() {
		if time.Now().After(deadline) {
			t.Fatal("limiter never reset")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID(short) = %q", got)
	}
}
