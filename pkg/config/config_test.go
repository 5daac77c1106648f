package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arxlink.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
node_id: alpha
data_dir: /tmp/arx
log:
  level: debug
  format: json
transport:
  kind: quic
  listen: ":9000"
  peers: ["10.0.0.2:9000"]
protocol:
  heartbeat_interval: 2s
  stale_timeout: 90s
  max_hops: 5
  child_capacity: 3
security:
  network_key: secret
peer_cache:
  enable: true
  max_age: 12h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "alpha" || cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("basic fields: %+v", cfg)
	}
	if cfg.Transport.Kind != "quic" || cfg.Transport.Listen != ":9000" || len(cfg.Transport.Peers) != 1 {
		t.Fatalf("transport: %+v", cfg.Transport)
	}
	if cfg.Protocol.HeartbeatInterval != 2*time.Second || cfg.Protocol.StaleTimeout != 90*time.Second {
		t.Fatalf("durations: %+v", cfg.Protocol)
	}
	if cfg.Protocol.MaxHops != 5 || cfg.Protocol.ChildCapacity != 3 {
		t.Fatalf("limits: %+v", cfg.Protocol)
	}
	// unset fields keep defaults
	if cfg.Protocol.SyncInterval != 30*time.Second {
		t.Fatalf("sync interval default lost: %v", cfg.Protocol.SyncInterval)
	}
	if cfg.Protocol.Codec != "cbor" {
		t.Fatalf("codec default lost: %q", cfg.Protocol.Codec)
	}
	if cfg.Security.NetworkKey != "secret" {
		t.Fatalf("network key: %q", cfg.Security.NetworkKey)
	}
	if cfg.PeerCache.MaxAge != 12*time.Hour {
		t.Fatalf("peer cache max age: %v", cfg.PeerCache.MaxAge)
	}
	// enabled cache without a path derives one under data_dir
	if want := filepath.Join("/tmp/arx", "peers.db"); cfg.PeerCache.Path != want {
		t.Fatalf("peer cache path = %q, want %q", cfg.PeerCache.Path, want)
	}
}

func TestLoadRejectsBadLevel(t *testing.T) {
	path := writeConfig(t, "log:\n  level: loud\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("bogus log level accepted")
	}
}

func TestLoadRejectsBadTransport(t *testing.T) {
	path := writeConfig(t, "transport:\n  kind: carrier-pigeon\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("bogus transport kind accepted")
	}
}

func TestLoadCodecSelection(t *testing.T) {
	path := writeConfig(t, "protocol:\n  codec: JSON\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Protocol.Codec != "json" {
		t.Fatalf("codec = %q, want json", cfg.Protocol.Codec)
	}

	bad := writeConfig(t, "protocol:\n  codec: xml\n")
	if _, err := Load(bad); err == nil {
		t.Fatalf("bogus codec accepted")
	}
}

func TestValidateFillsFallbacks(t *testing.T) {
	path := writeConfig(t, "node_id: \"  \"\nlog:\n  level: info\n  outputs: []\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "node-1" {
		t.Fatalf("blank node id not defaulted: %q", cfg.NodeID)
	}
	if len(cfg.Log.Outputs) != 1 || cfg.Log.Outputs[0] != "stdout" {
		t.Fatalf("empty outputs not defaulted: %v", cfg.Log.Outputs)
	}
}
