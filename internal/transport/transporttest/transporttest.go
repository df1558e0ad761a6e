// Package transporttest provides an in-memory transport.Client for tests.
package transporttest

import (
	"strings"
	"sync"

	"garden-hub/internal/transport"
)

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Client records publishes and lets tests inject inbound messages.
type Client struct {
	mu        sync.Mutex
	connected bool
	published []Message
	subs      map[string]transport.Handler
	// PublishErr, when set, is returned by Publish.
	PublishErr error
}

func New(connected bool) *Client {
	return &Client{connected: connected, subs: make(map[string]transport.Handler)}
}

func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return c.PublishErr
	}
	if !c.connected {
		return transport.ErrNotConnected
	}
	c.published = append(c.published, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (c *Client) Subscribe(pattern string, h transport.Handler) error {
	c.mu.Lock()
	c.subs[pattern] = h
	c.mu.Unlock()
	return nil
}

func (c *Client) Stop() {}

// Published returns a copy of everything published so far.
func (c *Client) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}

// Patterns lists the subscribed patterns.
func (c *Client) Patterns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for p := range c.subs {
		out = append(out, p)
	}
	return out
}

// Deliver routes an inbound message to the first matching subscription,
// synchronously. It reports whether any handler matched.
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	var h transport.Handler
	for p, sub := range c.subs {
		if Match(p, topic) {
			h = sub
			break
		}
	}
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(topic, payload)
	return true
}

// Match implements MQTT "+" and "#" wildcard matching.
func Match(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range pp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
