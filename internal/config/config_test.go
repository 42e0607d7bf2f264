package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
)

func TestDefaultWebRTC(t *testing.T) {
	config := Default().WebRTC()

	if len(config.ICEServers) != 1 {
		t.Errorf("expected 1 ICE server group, got %d", len(config.ICEServers))
	}

	if len(config.ICEServers[0].URLs) != 3 {
		t.Errorf("expected 3 STUN URLs, got %d", len(config.ICEServers[0].URLs))
	}

	if config.ICETransportPolicy != webrtc.ICETransportPolicyAll {
		t.Errorf("expected ICETransportPolicyAll")
	}
}

func TestWebRTCWithoutSTUN(t *testing.T) {
	cfg := Default()
	cfg.Peer.STUNServers = nil

	if got := cfg.WebRTC(); len(got.ICEServers) != 0 {
		t.Errorf("expected no ICE servers, got %d", len(got.ICEServers))
	}
}

func TestDefaultPeerConfig(t *testing.T) {
	pc := Default().PeerConfig()

	if pc.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", pc.MaxRetries)
	}
	if pc.RetryDelay != 2*time.Second {
		t.Errorf("expected 2s retry delay, got %s", pc.RetryDelay)
	}
	if pc.Transfer.ChunkSize != 16384 {
		t.Errorf("expected chunk size 16384, got %d", pc.Transfer.ChunkSize)
	}
	if pc.Transfer.MaxBufferedAmount != 1<<20 {
		t.Errorf("expected 1 MiB buffer threshold, got %d", pc.Transfer.MaxBufferedAmount)
	}
	if !pc.Transfer.EnforceSize {
		t.Error("expected size enforcement by default")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanchat.yaml")
	data := []byte(`
name: alice
log_level: debug
relay:
  url: ws://10.0.0.2:3000/ws
  reconnect_delay: 5s
peer:
  max_retries: 5
transfer:
  enforce_size: false
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Name != "alice" {
		t.Errorf("expected name alice, got %q", cfg.Name)
	}
	if cfg.Relay.URL != "ws://10.0.0.2:3000/ws" {
		t.Errorf("unexpected relay url %q", cfg.Relay.URL)
	}
	if cfg.Relay.ReconnectDelay != 5*time.Second {
		t.Errorf("expected 5s reconnect delay, got %s", cfg.Relay.ReconnectDelay)
	}
	if cfg.Relay.HandshakeTimeout != 10*time.Second {
		t.Errorf("expected default handshake timeout, got %s", cfg.Relay.HandshakeTimeout)
	}
	if cfg.Peer.MaxRetries != 5 {
		t.Errorf("expected 5 retries, got %d", cfg.Peer.MaxRetries)
	}
	if cfg.Transfer.EnforceSize {
		t.Error("expected size enforcement disabled")
	}
	if cfg.Transfer.ChunkSize != 16384 {
		t.Errorf("expected default chunk size, got %d", cfg.Transfer.ChunkSize)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Relay.Addr != ":3000" {
		t.Errorf("expected default addr, got %q", cfg.Relay.Addr)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("transfer:\n  chunk_size: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for zero chunk size")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
