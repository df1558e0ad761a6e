// Package transport owns the MQTT connection. Callers hold a Client and
// never see paho directly.
package transport

import (
	"errors"
	"log/slog"
	"time"
)

// ErrNotConnected is returned by Publish while the broker link is down.
// Messages are not queued across a disconnect window.
var ErrNotConnected = errors.New("transport not connected")

// Handler receives one inbound message. Handlers run concurrently and in
// no particular order.
type Handler func(topic string, payload []byte)

// Client is the capability shared by the live and disabled variants.
type Client interface {
	// Publish is fire-and-forget: it returns once the message is handed
	// to the client, without waiting for a broker acknowledgement.
	Publish(topic string, payload []byte) error
	// Subscribe registers h for pattern. Subscriptions survive reconnects.
	Subscribe(pattern string, h Handler) error
	Connected() bool
	Stop()
}

// Config holds broker settings.
type Config struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Connect dials the broker. When the broker is unreachable at startup it
// logs the failure and returns a DisabledClient instead of an error.
func Connect(cfg Config, logger *slog.Logger) Client {
	if cfg.Broker == "" {
		logger.Warn("mqtt broker not configured, transport disabled")
		return NewDisabledClient(logger)
	}
	c := NewLiveClient(cfg, logger)
	if err := c.Start(); err != nil {
		logger.Warn("mqtt unavailable, transport disabled", "broker", cfg.Broker, "err", err)
		return NewDisabledClient(logger)
	}
	return c
}
