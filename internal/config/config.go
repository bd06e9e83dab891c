// Package config loads server settings: defaults, then an optional YAML
// file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr      string          `yaml:"addr"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Room      RoomConfig      `yaml:"room"`
	Persist   PersistConfig   `yaml:"persist"`
	Transport TransportConfig `yaml:"transport"`
	MDNS      MDNSConfig      `yaml:"mdns"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type StoreConfig struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path"`
	URL       string `yaml:"url"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	RedisPass string `yaml:"redis_password"`
	KeyPrefix string `yaml:"key_prefix"`
}

type RoomConfig struct {
	DefaultLanguage         string        `yaml:"default_language"`
	DefaultTypingIntervalMs int           `yaml:"default_typing_interval_ms"`
	EvictionGrace           time.Duration `yaml:"eviction_grace"`
	MaxPatches              int           `yaml:"max_patches"`
	MaxSnapshotBytes        int           `yaml:"max_snapshot_bytes"`
}

type PersistConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

type TransportConfig struct {
	MessagesPerSecond    float64 `yaml:"messages_per_second"`
	MessageBurst         int     `yaml:"message_burst"`
	ConnectionsPerMinute float64 `yaml:"connections_per_minute"`
	MaxMessageBytes      int64   `yaml:"max_message_bytes"`
	SendBuffer           int     `yaml:"send_buffer"`
}

type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
}

func Default() Config {
	return Config{
		Addr: ":8080",
		Log:  LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./data/codeshare.db",
		},
		Room: RoomConfig{
			DefaultLanguage:         "javascript",
			DefaultTypingIntervalMs: 50,
			EvictionGrace:           30 * time.Second,
			MaxPatches:              1000,
			MaxSnapshotBytes:        1 << 20,
		},
		Persist: PersistConfig{
			FlushInterval: 2 * time.Second,
			WriteTimeout:  5 * time.Second,
		},
		Transport: TransportConfig{
			MessagesPerSecond:    100,
			MessageBurst:         200,
			ConnectionsPerMinute: 60,
			MaxMessageBytes:      2 * 1024 * 1024,
			SendBuffer:           512,
		},
		MDNS: MDNSConfig{Service: "_codeshare._tcp"},
	}
}

// Load reads path (if not empty) over the defaults and applies the
// environment on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("CODESHARE_ADDR", &c.Addr)
	if port := getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	str("CODESHARE_LOG_LEVEL", &c.Log.Level)
	str("CODESHARE_LOG_FORMAT", &c.Log.Format)
	str("CODESHARE_STORE", &c.Store.Driver)
	str("CODESHARE_DB_PATH", &c.Store.Path)
	str("DATABASE_URL", &c.Store.URL)
	str("REDIS_ADDR", &c.Store.RedisAddr)
	str("REDIS_PASSWORD", &c.Store.RedisPass)
	str("CODESHARE_DEFAULT_LANGUAGE", &c.Room.DefaultLanguage)

	if v := getenv("CODESHARE_TYPING_INTERVAL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CODESHARE_TYPING_INTERVAL_MS: %w", err)
		}
		c.Room.DefaultTypingIntervalMs = n
	}
	if v := getenv("CODESHARE_EVICTION_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CODESHARE_EVICTION_GRACE: %w", err)
		}
		c.Room.EvictionGrace = d
	}
	if v := getenv("CODESHARE_MDNS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CODESHARE_MDNS: %w", err)
		}
		c.MDNS.Enabled = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch c.Store.Driver {
	case "sqlite", "bolt":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for %s", c.Store.Driver))
		}
	case "redis", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Room.DefaultLanguage == "" {
		errs = append(errs, errors.New("room.default_language is required"))
	}
	if c.Room.DefaultTypingIntervalMs <= 0 {
		errs = append(errs, errors.New("room.default_typing_interval_ms must be positive"))
	}
	if c.Room.EvictionGrace < 0 {
		errs = append(errs, errors.New("room.eviction_grace must not be negative"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger.
func (l LogConfig) NewLogger() *slog.Logger {
	lvl, _ := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(l.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
