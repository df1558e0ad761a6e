package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"garden-hub/internal/archive"
	"garden-hub/internal/connectivity"
	"garden-hub/internal/metrics"
	"garden-hub/internal/schedule"
	"garden-hub/internal/transport"
)

type Config struct {
	MQTT  transport.Config `yaml:"mqtt"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Schedule struct {
		Enabled  *bool         `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
		Timezone string        `yaml:"timezone"`
	} `yaml:"schedule"`
	Connectivity struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"connectivity"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Metrics metrics.Config `yaml:"metrics"`
	Archive struct {
		ClickHouse archive.Config `yaml:"clickhouse"`
	} `yaml:"archive"`
	ScriptsDir string `yaml:"scripts_dir"`
}

// schedulerEnabled defaults to true when the key is absent.
func (c *Config) schedulerEnabled() bool {
	return c.Schedule.Enabled == nil || *c.Schedule.Enabled
}

// location resolves schedule.timezone. Empty means the host's local time.
func (c *Config) location() (*time.Location, error) {
	if c.Schedule.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Schedule.Timezone)
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") || strings.HasSuffix(c.MQTT.TopicPrefix, "/") {
		return fmt.Errorf("mqtt.topic_prefix %q must not contain wildcards or end in '/'", c.MQTT.TopicPrefix)
	}
	if c.Schedule.Interval <= 0 || c.Schedule.Interval > time.Minute {
		return fmt.Errorf("schedule.interval must be between 0 and 1m, got %s", c.Schedule.Interval)
	}
	if _, err := c.location(); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	if c.Connectivity.Timeout <= 0 {
		return fmt.Errorf("connectivity.timeout must be positive, got %s", c.Connectivity.Timeout)
	}
	if err := c.Archive.ClickHouse.Validate(); err != nil {
		return err
	}
	return nil
}

// loadDotenv reads .env next to the working directory. A missing file is
// not an error.
func loadDotenv(logger *slog.Logger) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("load .env", "err", err)
	}
}

// envOverrides maps GARDENHUB_* variables onto config fields. Secrets are
// expected here rather than in the YAML file.
func envOverrides(cfg *Config) map[string]*string {
	return map[string]*string{
		"GARDENHUB_MQTT_BROKER":         &cfg.MQTT.Broker,
		"GARDENHUB_MQTT_USERNAME":       &cfg.MQTT.Username,
		"GARDENHUB_MQTT_PASSWORD":       &cfg.MQTT.Password,
		"GARDENHUB_API_KEY":             &cfg.Web.APIKey,
		"GARDENHUB_STORE_PATH":          &cfg.Store.Path,
		"GARDENHUB_CLICKHOUSE_ADDR":     &cfg.Archive.ClickHouse.Addr,
		"GARDENHUB_CLICKHOUSE_PASSWORD": &cfg.Archive.ClickHouse.Password,
		"GARDENHUB_LOG_LEVEL":           &cfg.Log.Level,
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for key, field := range envOverrides(&cfg) {
		if v, ok := os.LookupEnv(key); ok {
			*field = v
		}
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "gardenhub.db"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "gardenhub"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "garden"
	}
	if cfg.MQTT.ConnectTimeout == 0 {
		cfg.MQTT.ConnectTimeout = 10 * time.Second
	}
	if cfg.Schedule.Interval == 0 {
		cfg.Schedule.Interval = schedule.DefaultInterval
	}
	if cfg.Connectivity.Timeout == 0 {
		cfg.Connectivity.Timeout = connectivity.DefaultTimeout
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "gardenhub."
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
