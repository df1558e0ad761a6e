package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout = 10 * time.Second
	publishAckTimeout     = 5 * time.Second
	qos                   = 1
)

// LiveClient is a paho-backed Client with automatic reconnect.
type LiveClient struct {
	client  pahomqtt.Client
	cfg     Config
	logger  *slog.Logger
	timeout time.Duration

	mu   sync.Mutex
	subs map[string]Handler
}

// NewLiveClient configures but does not connect; call Start.
func NewLiveClient(cfg Config, logger *slog.Logger) *LiveClient {
	c := &LiveClient{
		cfg:     cfg,
		logger:  logger.With("component", "transport"),
		timeout: cfg.ConnectTimeout,
		subs:    make(map[string]Handler),
	}
	if c.timeout <= 0 {
		c.timeout = defaultConnectTimeout
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "gardenhub"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectTimeout(c.timeout).
		SetOrderMatters(false).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			c.logger.Info("MQTT connected", "broker", cfg.Broker)
			c.resubscribe()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.logger.Warn("MQTT connection lost", "err", err)
		}).
		SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
			c.logger.Info("MQTT reconnecting")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c.client = pahomqtt.NewClient(opts)
	return c
}

// Start performs the initial connect. Later drops are healed by paho's
// auto-reconnect.
func (c *LiveClient) Start() error {
	token := c.client.Connect()
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Stop disconnects, allowing one second for in-flight work.
func (c *LiveClient) Stop() {
	c.client.Disconnect(1000)
	c.logger.Info("MQTT disconnected")
}

func (c *LiveClient) Connected() bool {
	return c.client.IsConnectionOpen()
}

func (c *LiveClient) Publish(topic string, payload []byte) error {
	if !c.Connected() {
		return fmt.Errorf("publish %s: %w", topic, ErrNotConnected)
	}
	token := c.client.Publish(topic, qos, false, payload)
	go func() {
		if !token.WaitTimeout(publishAckTimeout) {
			c.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			c.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
	return nil
}

func (c *LiveClient) Subscribe(pattern string, h Handler) error {
	c.mu.Lock()
	c.subs[pattern] = h
	c.mu.Unlock()

	if !c.Connected() {
		// Picked up by resubscribe on the next connect.
		return nil
	}
	return c.subscribe(pattern, h)
}

func (c *LiveClient) subscribe(pattern string, h Handler) error {
	token := c.client.Subscribe(pattern, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("subscribe %s: timeout", pattern)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	c.logger.Debug("subscribed", "topic", pattern)
	return nil
}

func (c *LiveClient) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for p, h := range c.subs {
		subs[p] = h
	}
	c.mu.Unlock()

	// The connect handler runs on paho's own goroutine; waiting on tokens
	// here would stall it, so hand off.
	go func() {
		for p, h := range subs {
			if err := c.subscribe(p, h); err != nil {
				c.logger.Warn("resubscribe failed", "topic", p, "err", err)
			}
		}
	}()
}
