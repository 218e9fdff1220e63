package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Client  ClientConfig  `yaml:"client"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// IdleTimeout evicts board hubs without participants for this long.
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	// Housekeeping is the cron spec of the eviction job.
	Housekeeping string `yaml:"housekeeping"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres, mysql
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables the cross-instance cursor relay when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type ClientConfig struct {
	URL            string        `yaml:"url"`
	Board          string        `yaml:"board"`
	Name           string        `yaml:"name"`
	HitTolerancePx float64       `yaml:"hitTolerancePx"`
	HistoryLimit   int           `yaml:"historyLimit"`
	CursorTTL      time.Duration `yaml:"cursorTTL"`
	CursorInterval time.Duration `yaml:"cursorInterval"`
	ResyncAttempts int           `yaml:"resyncAttempts"`
	ResyncInterval time.Duration `yaml:"resyncInterval"`
	ReconnectMax   time.Duration `yaml:"reconnectMax"`
}

func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Server: ServerConfig{
			Addr:         ":8080",
			IdleTimeout:  10 * time.Minute,
			Housekeeping: "@every 1m",
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "whiteboard.db"},
		Redis:   RedisConfig{Channel: "whiteboard:cursors"},
		Client: ClientConfig{
			URL:            "ws://localhost:8080",
			Board:          "default",
			Name:           "anonymous",
			HitTolerancePx: 8,
			HistoryLimit:   50,
			CursorTTL:      10 * time.Second,
			CursorInterval: 40 * time.Millisecond,
			ResyncAttempts: 3,
			ResyncInterval: 200 * time.Millisecond,
			ReconnectMax:   30 * time.Second,
		},
	}
}

// Load reads path over the defaults (a missing file is fine) and then
// applies WB_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("storage.driver %q: must be sqlite, postgres or mysql", c.Storage.Driver)
	}
	if c.Client.HitTolerancePx <= 0 {
		return fmt.Errorf("client.hitTolerancePx must be positive")
	}
	if c.Client.HistoryLimit <= 0 {
		return fmt.Errorf("client.historyLimit must be positive")
	}
	if c.Client.ResyncAttempts <= 0 {
		return fmt.Errorf("client.resyncAttempts must be positive")
	}
	if c.Client.CursorTTL <= 0 {
		return fmt.Errorf("client.cursorTTL must be positive")
	}
	return nil
}

// Save writes cfg as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func applyEnv(c *Config) error {
	str := map[string]*string{
		"WB_LOG_LEVEL":      &c.Log.Level,
		"WB_LOG_FORMAT":     &c.Log.Format,
		"WB_SERVER_ADDR":    &c.Server.Addr,
		"WB_STORAGE_DRIVER": &c.Storage.Driver,
		"WB_STORAGE_DSN":    &c.Storage.DSN,
		"WB_REDIS_ADDR":     &c.Redis.Addr,
		"WB_REDIS_PASSWORD": &c.Redis.Password,
		"WB_URL":            &c.Client.URL,
		"WB_BOARD":          &c.Client.Board,
		"WB_NAME":           &c.Client.Name,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	durations := map[string]*time.Duration{
		"WB_CURSOR_TTL":   &c.Client.CursorTTL,
		"WB_IDLE_TIMEOUT": &c.Server.IdleTimeout,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("WB_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WB_REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	return nil
}
