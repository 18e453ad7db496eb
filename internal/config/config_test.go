package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const clientYAML = `
mode: client
client:
  local_listen_port: 8080
  server_ip: 10.0.0.2
  server_port: 9000
  connection_pool_size: 2
  enable_zero_rtt: true
  dial_timeout: 3s
  pin_streams: false
`

const serverYAML = `
mode: server
metrics:
  listen: 127.0.0.1:9100
server:
  listen_port: 9000
  backend_ip: 127.0.0.1
  backend_port: 3000
  transport: ws
  redis:
    addr: localhost:6379
    db: 2
`

func TestParseClient(t *testing.T) {
	cfg, err := Parse([]byte(clientYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cl := cfg.Client
	if cl == nil {
		t.Fatal("client section missing")
	}
	if got := cl.LocalAddr(); got != "127.0.0.1:8080" {
		t.Errorf("LocalAddr: got %s", got)
	}
	if got := cl.ServerAddr(); got != "10.0.0.2:9000" {
		t.Errorf("ServerAddr: got %s", got)
	}
	if cl.ConnectionPoolSize != 2 {
		t.Errorf("pool size: got %d, want 2", cl.ConnectionPoolSize)
	}
	if cl.BufferSize != DefaultBufferSize {
		t.Errorf("buffer size default: got %d", cl.BufferSize)
	}
	if cl.Transport != TransportTCP {
		t.Errorf("transport default: got %q", cl.Transport)
	}
	if cl.DialTimeout != 3*time.Second {
		t.Errorf("dial timeout: got %v", cl.DialTimeout)
	}
	if !cl.EnableZeroRTT {
		t.Error("expected enable_zero_rtt")
	}
	if cl.Pinned() {
		t.Error("expected pin_streams: false to disable pinning")
	}
}

func TestParseServer(t *testing.T) {
	cfg, err := Parse([]byte(serverYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s := cfg.Server
	if got := s.ListenAddr(); got != "0.0.0.0:9000" {
		t.Errorf("ListenAddr: got %s", got)
	}
	if got := s.BackendAddr(); got != "127.0.0.1:3000" {
		t.Errorf("BackendAddr: got %s", got)
	}
	if s.Transport != TransportWS {
		t.Errorf("transport: got %q", s.Transport)
	}
	if !s.Pinned() {
		t.Error("pinning should default to true")
	}
	if s.Redis.Addr != "localhost:6379" || s.Redis.DB != 2 {
		t.Errorf("redis: got %+v", s.Redis)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9100" {
		t.Errorf("metrics listen: got %q", cfg.Metrics.Listen)
	}
}

func TestValidateErrors(t *testing.T) {
	testCases := []struct {
		name  string
		yaml  string
		field string
	}{
		{"missing mode", "client: {}", "mode"},
		{"unknown mode", "mode: relay", "mode"},
		{"server mode without section", "mode: server", "server"},
		{"client mode without section", "mode: client\nserver: {listen_port: 1}", "client"},
		{"bad port", "mode: client\nclient: {local_listen_port: 70000, server_ip: a, server_port: 1}", "client.local_listen_port"},
		{"missing backend", "mode: server\nserver: {listen_port: 9000, backend_port: 80}", "server.backend_ip"},
		{"bad transport", "mode: client\nclient: {local_listen_port: 1, server_ip: a, server_port: 1, transport: quic}", "client.transport"},
		{"negative pool", "mode: client\nclient: {local_listen_port: 1, server_ip: a, server_port: 1, connection_pool_size: -1}", "client.connection_pool_size"},
		{"negative burst", "mode: client\nclient: {local_listen_port: 1, server_ip: a, server_port: 1, accept_rate: 5, accept_burst: -1}", "client.accept_burst"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T: %v", err, err)
			}
			if verr.Field != tc.field {
				t.Errorf("field: got %q, want %q (%v)", verr.Field, tc.field, err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mtcp.yaml")
	if err := os.WriteFile(path, []byte(clientYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeClient {
		t.Errorf("mode: got %q", cfg.Mode)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseModeFromSubcommand(t *testing.T) {
	noMode := `
server:
  listen_port: 9000
  backend_ip: 127.0.0.1
  backend_port: 3000
`
	cfg, err := ParseMode([]byte(noMode), ModeServer)
	if err != nil {
		t.Fatalf("ParseMode: %v", err)
	}
	if cfg.Mode != ModeServer {
		t.Errorf("mode: got %q, want server", cfg.Mode)
	}

	_, err = ParseMode([]byte(clientYAML), ModeServer)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "mode" {
		t.Errorf("mode mismatch: got %v, want ValidationError on mode", err)
	}
}
