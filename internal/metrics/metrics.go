// Package metrics emits DogStatsD counters and gauges. A nil *Client is
// valid and drops everything, so components never check for it.
package metrics

import (
	"log/slog"

	"github.com/DataDog/datadog-go/statsd"
)

// Config for the statsd sink. An empty Address disables metrics.
type Config struct {
	Address   string   `yaml:"address"`
	Namespace string   `yaml:"namespace"`
	Tags      []string `yaml:"tags"`
}

// Client wraps a DogStatsD client.
type Client struct {
	sd     *statsd.Client
	logger *slog.Logger
}

// New returns nil when cfg.Address is empty or the client cannot be
// created. A nil Client is a no-op.
func New(cfg Config, logger *slog.Logger) *Client {
	logger = logger.With("component", "metrics")
	if cfg.Address == "" {
		logger.Info("metrics disabled")
		return nil
	}
	sd, err := statsd.New(cfg.Address)
	if err != nil {
		logger.Warn("failed to create DogStatsD client", "err", err)
		return nil
	}
	sd.Namespace = cfg.Namespace
	sd.Tags = cfg.Tags

	logger.Info("metrics initialized", "addr", cfg.Address, "namespace", cfg.Namespace, "tags", cfg.Tags)
	return &Client{sd: sd, logger: logger}
}

// Incr bumps a counter by one.
func (c *Client) Incr(name string, tags ...string) {
	if c == nil {
		return
	}
	if err := c.sd.Incr(name, tags, 1); err != nil {
		c.logger.Debug("failed to emit counter", "metric", name, "err", err)
	}
}

// Gauge records a point-in-time value.
func (c *Client) Gauge(name string, value float64, tags ...string) {
	if c == nil {
		return
	}
	if err := c.sd.Gauge(name, value, tags, 1); err != nil {
		c.logger.Debug("failed to emit gauge", "metric", name, "err", err)
	}
}

// Close flushes and releases the client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.sd.Close()
}
