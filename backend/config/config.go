package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

type Config struct {
	HTTP      HTTPConfig      `koanf:"http"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	Relay     RelayConfig     `koanf:"relay"`
	Chunks    ChunksConfig    `koanf:"chunks"`
	Log       LogConfig       `koanf:"log"`
}

type HTTPConfig struct {
	Host string `koanf:"host"`
	Port uint16 `koanf:"port"`
	// AllowedOrigin is the frontend origin allowed for CORS and websocket upgrades.
	AllowedOrigin string `koanf:"allowed_origin"`
	// StaticDir holds the client bundle; empty disables static serving.
	StaticDir        string        `koanf:"static_dir"`
	ReadTimeout      time.Duration `koanf:"read_timeout"`
	ShutdownDeadline time.Duration `koanf:"shutdown_deadline"`
}

type WebSocketConfig struct {
	ReadBufferSize    int           `koanf:"read_buffer_size"`
	WriteBufferSize   int           `koanf:"write_buffer_size"`
	MaxMessageSize    int64         `koanf:"max_message_size"`
	OutboundQueueSize int           `koanf:"outbound_queue_size"`
	PingInterval      time.Duration `koanf:"ping_interval"`
	PongWait          time.Duration `koanf:"pong_wait"`
	WriteDeadline     time.Duration `koanf:"write_deadline"`
}

type RelayConfig struct {
	// HistoryLimit caps events kept per room, 0 keeps everything.
	HistoryLimit   int  `koanf:"history_limit"`
	RejectUnjoined bool `koanf:"reject_unjoined"`
}

type ChunksConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	// File enables a rotated log file next to stdout.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// Load builds the configuration from defaults, an optional YAML file,
// environment variables and finally command line flags that were set explicitly.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyDefaults(k)
	applyEnvOverrides(k)
	if err := applyFlags(k, fs); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Relay.HistoryLimit < 0 {
		return nil, fmt.Errorf("relay.history_limit must not be negative")
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	setDefault(k, "http.host", "0.0.0.0")
	setDefault(k, "http.port", 3001)
	setDefault(k, "http.allowed_origin", "*")
	setDefault(k, "http.static_dir", "")
	setDefault(k, "http.read_timeout", 10*time.Second)
	setDefault(k, "http.shutdown_deadline", 10*time.Second)

	setDefault(k, "websocket.read_buffer_size", 16<<10)
	setDefault(k, "websocket.write_buffer_size", 16<<10)
	setDefault(k, "websocket.max_message_size", 1<<20)
	setDefault(k, "websocket.outbound_queue_size", 256)
	setDefault(k, "websocket.ping_interval", 20*time.Second)
	setDefault(k, "websocket.pong_wait", 25*time.Second)
	setDefault(k, "websocket.write_deadline", 5*time.Second)

	setDefault(k, "relay.history_limit", 0)
	setDefault(k, "relay.reject_unjoined", false)

	setDefault(k, "chunks.enabled", false)
	setDefault(k, "chunks.dir", "videos")

	setDefault(k, "log.level", "info")
	setDefault(k, "log.file", "")
	setDefault(k, "log.max_size_mb", 100)
	setDefault(k, "log.max_backups", 3)
}

func applyEnvOverrides(k *koanf.Koanf) {
	if port := getInt("PORT", 0); port > 0 {
		_ = k.Set("http.port", port)
	}
	if origin := getString("FRONTEND_URL", ""); origin != "" {
		_ = k.Set("http.allowed_origin", origin)
	}
	if dir := getString("STATIC_DIR", ""); dir != "" {
		_ = k.Set("http.static_dir", dir)
	}
	if dir := getString("VIDEOS_DIR", ""); dir != "" {
		_ = k.Set("chunks.dir", dir)
	}
	if level := getString("LOG_LEVEL", ""); level != "" {
		_ = k.Set("log.level", level)
	}
	if limit := getInt("HISTORY_LIMIT", -1); limit >= 0 {
		_ = k.Set("relay.history_limit", limit)
	}
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"host":            "http.host",
	"port":            "http.port",
	"allowed-origin":  "http.allowed_origin",
	"static-dir":      "http.static_dir",
	"history-limit":   "relay.history_limit",
	"reject-unjoined": "relay.reject_unjoined",
	"store-chunks":    "chunks.enabled",
	"videos-dir":      "chunks.dir",
	"log-level":       "log.level",
	"log-file":        "log.file",
}

// RegisterFlags declares the flags understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("host", "", "listen host")
	fs.Uint16P("port", "p", 0, "listen port")
	fs.String("allowed-origin", "", "frontend origin allowed to connect")
	fs.String("static-dir", "", "directory with the client bundle")
	fs.Int("history-limit", 0, "max events kept per room (0 = unbounded)")
	fs.Bool("reject-unjoined", false, "answer messages from unjoined sessions with an error")
	fs.Bool("store-chunks", false, "append stream chunks to files")
	fs.String("videos-dir", "", "directory for stream chunk files")
	fs.StringP("log-level", "l", "", "log level")
	fs.String("log-file", "", "rotated log file")
}

func applyFlags(k *koanf.Koanf, fs *pflag.FlagSet) error {
	if fs == nil {
		return nil
	}
	var err error
	fs.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = k.Set(key, f.Value.String())
	})
	if err != nil {
		return fmt.Errorf("failed to apply flags: %w", err)
	}
	return nil
}

// setDefault only sets the value if the key doesn't already exist
func setDefault(k *koanf.Koanf, key string, value any) {
	if !k.Exists(key) {
		_ = k.Set(key, value)
	}
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
