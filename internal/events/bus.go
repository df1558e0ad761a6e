// Package events is the in-process pub/sub that fans garden activity out
// to the websocket hub, the Lua engine and the archive.
package events

import (
	"log/slog"
	"sync"
)

// Event types
const (
	SensorData       = "sensor_data"
	DeviceStatus     = "device_status"
	ConnectionStatus = "connection_status"
	CommandSent      = "command_sent"
)

// Event is one notification. DeviceID is the garden serial so that
// subscribers can route per device without decoding Data.
type Event struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Data     any    `json:"data"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for garden events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (b *Bus) On(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives every event.
func (b *Bus) OnAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit calls matching handlers synchronously. A panicking handler is
// recovered and logged; the rest still run.
func (b *Bus) Emit(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.Type])+len(b.allHandlers))
	for _, h := range b.handlers[ev.Type] {
		hs = append(hs, h)
	}
	for _, h := range b.allHandlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", ev.Type, "device_id", ev.DeviceID, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
