package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAddressExplicitHost(t *testing.T) {
	s := ServerConfig{Host: "10.2.54.2", Port: 5810}
	addr, err := s.Address()
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	if addr != "10.2.54.2:5810" {
		t.Errorf("addr = %q", addr)
	}
}

func TestAddressTeamNumber(t *testing.T) {
	s := ServerConfig{Team: 254}
	addr, err := s.Address()
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	if addr != "roborio-254-frc.local:5810" {
		t.Errorf("addr = %q", addr)
	}
}

func TestAddressHostWinsOverTeam(t *testing.T) {
	s := ServerConfig{Host: "localhost", Team: 254, Port: 5811}
	addr, err := s.Address()
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	if addr != "localhost:5811" {
		t.Errorf("addr = %q", addr)
	}
}

func TestAddressNeither(t *testing.T) {
	s := ServerConfig{}
	if _, err := s.Address(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestURL(t *testing.T) {
	s := ServerConfig{Team: 254}
	url, err := s.URL("ntcore-go-abc123")
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	want := "ws://roborio-254-frc.local:5810/nt/ntcore-go-abc123"
	if url != want {
		t.Errorf("url = %q, want %q", url, want)
	}
}

func TestLoadAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ntmon.yaml")
	body := `
server:
  team: 1234
bridge:
  enabled: true
  broker: mqtt://broker.local:1883
log_level: debug
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Team != 1234 {
		t.Errorf("team = %d", cfg.Server.Team)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("port default = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Bridge.BaseTopic != "nt" {
		t.Errorf("base topic default = %q, want nt", cfg.Bridge.BaseTopic)
	}
	if cfg.Bridge.RateLimit != 50 {
		t.Errorf("rate limit default = %d, want 50", cfg.Bridge.RateLimit)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing explicit config did not fail")
	}
}

func TestParseLogLevel(t *testing.T) {
	if lvl, err := ParseLogLevel("trace"); err != nil || lvl != LevelTrace {
		t.Errorf("trace = %v, %v", lvl, err)
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("unknown level did not fail")
	}
	if lvl, err := ParseLogLevel(""); err != nil || lvl.Level() != 0 {
		t.Errorf("empty = %v, %v, want info", lvl, err)
	}
}
