package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	for _, env := range []string{"PORT", "FRONTEND_URL", "STATIC_DIR", "VIDEOS_DIR", "LOG_LEVEL", "HISTORY_LIMIT"} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 3001 {
		t.Errorf("port: got %d", cfg.HTTP.Port)
	}
	if cfg.ListenAddr() != "0.0.0.0:3001" {
		t.Errorf("addr: got %s", cfg.ListenAddr())
	}
	if cfg.HTTP.AllowedOrigin != "*" {
		t.Errorf("origin: got %s", cfg.HTTP.AllowedOrigin)
	}
	if cfg.Chunks.Dir != "videos" || cfg.Chunks.Enabled {
		t.Errorf("chunks: got %+v", cfg.Chunks)
	}
	if cfg.WebSocket.PingInterval != 20*time.Second || cfg.WebSocket.MaxMessageSize != 1<<20 {
		t.Errorf("websocket: got %+v", cfg.WebSocket)
	}
	if cfg.Relay.HistoryLimit != 0 || cfg.Relay.RejectUnjoined {
		t.Errorf("relay: got %+v", cfg.Relay)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
http:
  port: 4000
  allowed_origin: http://file.example
relay:
  history_limit: 50
log:
  level: debug
websocket:
  ping_interval: 5s
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FRONTEND_URL", "http://env.example")
	t.Setenv("VIDEOS_DIR", "/tmp/vids")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--port", "5000", "--reject-unjoined"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, fs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 5000 {
		t.Errorf("flag must override file port, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.AllowedOrigin != "http://env.example" {
		t.Errorf("env must override file origin, got %s", cfg.HTTP.AllowedOrigin)
	}
	if cfg.Relay.HistoryLimit != 50 || !cfg.Relay.RejectUnjoined {
		t.Errorf("relay: got %+v", cfg.Relay)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level: got %s", cfg.Log.Level)
	}
	if cfg.WebSocket.PingInterval != 5*time.Second {
		t.Errorf("ping interval: got %v", cfg.WebSocket.PingInterval)
	}
	if cfg.Chunks.Dir != "/tmp/vids" {
		t.Errorf("videos dir: got %s", cfg.Chunks.Dir)
	}
	// unset flags keep lower layers
	if cfg.HTTP.Host != "0.0.0.0" {
		t.Errorf("host: got %s", cfg.HTTP.Host)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadNegativeHistoryLimit(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--history-limit=-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := Load("", fs); err == nil {
		t.Fatal("expected error for negative history limit")
	}
}

func TestDeterminePath(t *testing.T) {
	if got := DeterminePath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("flag value must win, got %s", got)
	}
	t.Setenv(EnvConfigPath, "/from/env.yaml")
	if got := DeterminePath(""); got != "/from/env.yaml" {
		t.Errorf("env value expected, got %s", got)
	}
}
