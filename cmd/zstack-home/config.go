package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"zstack-go-home/internal/coordinator"
)

type Config struct {
	Serial struct {
		Port        string        `yaml:"port"`
		Baud        int           `yaml:"baud"`
		ReadTimeout time.Duration `yaml:"read_timeout"`
		ResetLine   string        `yaml:"reset_line"` // "rts", "dtr" or ""
	} `yaml:"serial"`
	Network struct {
		Channel    uint8  `yaml:"channel"`
		PanID      uint16 `yaml:"pan_id"`
		NetworkKey string `yaml:"network_key"` // 32 hex digits
	} `yaml:"network"`
	Coordinator struct {
		PermitJoinOnStart bool                         `yaml:"permit_join_on_start"`
		MaxConfigRetries  int                          `yaml:"max_config_retries"`
		Bind              []uint16                     `yaml:"bind"`
		Reporting         []coordinator.ReportingEntry `yaml:"reporting"`
		ProfilesDir       string                       `yaml:"profiles_dir"`
	} `yaml:"coordinator"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.Network.Channel < 11 || c.Network.Channel > 26 {
		return fmt.Errorf("network.channel must be 11-26, got %d", c.Network.Channel)
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0x0000 or 0xFFFF")
	}
	if _, err := c.networkKey(); err != nil {
		return err
	}
	if c.Coordinator.MaxConfigRetries < 0 {
		return fmt.Errorf("coordinator.max_config_retries must not be negative")
	}
	for i, r := range c.Coordinator.Reporting {
		if r.Endpoint == 0 {
			return fmt.Errorf("coordinator.reporting[%d]: endpoint is required", i)
		}
		if r.Min > r.Max && r.Max != 0xFFFF {
			return fmt.Errorf("coordinator.reporting[%d]: min %d exceeds max %d", i, r.Min, r.Max)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// networkKey decodes network.network_key. An empty key selects the driver's
// default key.
func (c *Config) networkKey() ([16]byte, error) {
	var key [16]byte
	if c.Network.NetworkKey == "" {
		return key, nil
	}
	b, err := hex.DecodeString(strings.ReplaceAll(c.Network.NetworkKey, ":", ""))
	if err != nil || len(b) != len(key) {
		return key, fmt.Errorf("network.network_key must be 32 hex digits")
	}
	copy(key[:], b)
	return key, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	// Set before decoding so an explicit 0 survives.
	cfg.Coordinator.MaxConfigRetries = 3
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Serial.ReadTimeout == 0 {
		cfg.Serial.ReadTimeout = 10 * time.Millisecond
	}
	if cfg.Coordinator.ProfilesDir == "" {
		cfg.Coordinator.ProfilesDir = "profiles"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zstack-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zstack"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
