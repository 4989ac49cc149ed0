package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Websocket timing, shared by the client transport and the devserver.
const (
	WriteWait      = 10 * time.Second    // Time allowed to write a frame
	PongWait       = 60 * time.Second    // Time allowed to read the next pong
	PingPeriod     = (PongWait * 9) / 10 // Must be less than PongWait
	MaxMessageSize = 1 << 20             // Conversations carry the whole message list
)

// Transport names accepted in Config.Transports.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Config holds everything a client (and the devserver) needs.
type Config struct {
	ServerURL    string `yaml:"server_url"`
	AppID        string `yaml:"app_id"`
	Token        string `yaml:"token"`
	ServiceToken string `yaml:"service_token"`

	RealtimeEnabled bool          `yaml:"realtime_enabled"`
	RealtimePath    string        `yaml:"realtime_path"`
	Transports      []string      `yaml:"transports"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`

	NatsURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	StreamName    string `yaml:"stream_name"`

	// Devserver only
	ServerAddr string `yaml:"server_addr"`

	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		ServerURL:       "http://localhost:3000",
		RealtimeEnabled: true,
		RealtimePath:    "/ws",
		Transports:      []string{TransportWebSocket},
		ReconnectWait:   time.Second,
		RequestTimeout:  30 * time.Second,
		NatsURL:         "nats://127.0.0.1:4222",
		SubjectPrefix:   "rooms",
		StreamName:      "ROOM_UPDATES",
		ServerAddr:      ":3000",
		LogLevel:        "info",
	}
}

// Load builds a Config from defaults, an optional YAML file and the environment.
// A missing .env file is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("BASE44_SERVER_URL", &c.ServerURL)
	setString("BASE44_APP_ID", &c.AppID)
	setString("BASE44_TOKEN", &c.Token)
	setString("BASE44_SERVICE_TOKEN", &c.ServiceToken)
	setString("BASE44_REALTIME_PATH", &c.RealtimePath)
	setString("BASE44_LOG_LEVEL", &c.LogLevel)
	setString("NATS_URL", &c.NatsURL)
	setString("SERVER_ADDR", &c.ServerAddr)

	if v, ok := os.LookupEnv("BASE44_TRANSPORTS"); ok {
		c.Transports = splitList(v)
	}
	if v, ok := os.LookupEnv("BASE44_REALTIME_ENABLED"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid BASE44_REALTIME_ENABLED %q: %w", v, err)
		}
		c.RealtimeEnabled = b
	}
	if v, ok := os.LookupEnv("BASE44_RECONNECT_WAIT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid BASE44_RECONNECT_WAIT %q: %w", v, err)
		}
		c.ReconnectWait = d
	}
	return nil
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	if c.AppID == "" {
		return errors.New("app id is required")
	}
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
