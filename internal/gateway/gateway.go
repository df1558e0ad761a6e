// Package gateway routes inbound device traffic. Every message is handled
// on its own goroutine; nothing here returns a fatal error.
package gateway

import (
	"errors"
	"fmt"
	"log/slog"

	"garden-hub/internal/clock"
	"garden-hub/internal/connectivity"
	"garden-hub/internal/events"
	"garden-hub/internal/metrics"
	"garden-hub/internal/store"
	"garden-hub/internal/transport"
)

var (
	// ErrDecode marks a malformed payload. The message is dropped.
	ErrDecode = errors.New("decode payload")
	// ErrUnknownDevice marks a topic whose serial is not registered.
	ErrUnknownDevice = errors.New("unknown device")
)

// Store is the persistence the gateway touches.
type Store interface {
	GetGardenBySerial(serial string) (*store.Garden, error)
	UpdateGarden(id string, fn func(g *store.Garden) error) error
	AppendSnapshot(s *store.Snapshot) error
	LatestSnapshot(gardenID string) (*store.Snapshot, error)
	AppendHistory(e *store.HistoryEntry) error
}

// Gateway decodes topic/payload pairs and fans them out.
type Gateway struct {
	store     Store
	transport transport.Client
	topics    transport.Topics
	tracker   *connectivity.Tracker
	bus       *events.Bus
	metrics   *metrics.Client
	clock     clock.Clock
	logger    *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithEventBus(b *events.Bus) Option { return func(g *Gateway) { g.bus = b } }

func WithMetrics(m *metrics.Client) Option { return func(g *Gateway) { g.metrics = m } }

func WithClock(c clock.Clock) Option { return func(g *Gateway) { g.clock = c } }

// WithTracker enables an "online" connection_status when a silent garden
// speaks again.
func WithTracker(t *connectivity.Tracker) Option { return func(g *Gateway) { g.tracker = t } }

func New(st Store, tc transport.Client, topics transport.Topics, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		store:     st,
		transport: tc,
		topics:    topics,
		clock:     clock.Real(),
		logger:    logger.With("component", "gateway"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Start subscribes to every inbound kind.
func (g *Gateway) Start() error {
	for _, pattern := range g.topics.Inbound() {
		if err := g.transport.Subscribe(pattern, g.onMessage); err != nil {
			return fmt.Errorf("gateway subscribe: %w", err)
		}
	}
	g.logger.Info("gateway started", "prefix", g.topics.Prefix)
	return nil
}

func (g *Gateway) onMessage(topic string, payload []byte) {
	if err := g.Handle(topic, payload); err != nil {
		g.logger.Warn("message dropped", "topic", topic, "err", err)
	}
}

// Handle processes one message. Errors are returned for the caller to
// log; none of them should stop the subscription.
func (g *Gateway) Handle(topic string, payload []byte) error {
	serial, kind, err := g.topics.Parse(topic)
	if err != nil {
		g.metrics.Incr("gateway.dropped", "reason:topic")
		return err
	}
	g.metrics.Incr("gateway.message", "kind:"+string(kind))

	garden, err := g.store.GetGardenBySerial(serial)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.metrics.Incr("gateway.dropped", "reason:unknown_device")
			return fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
		}
		return err
	}

	// last_seen moves before the payload is looked at.
	now := g.clock.Now()
	wasOnline := g.tracker != nil && g.tracker.IsConnected(garden)
	if err := g.store.UpdateGarden(garden.ID, func(gd *store.Garden) error {
		gd.LastSeen = &now
		return nil
	}); err != nil {
		g.logger.Error("failed to update last_seen", "serial", serial, "err", err)
	} else {
		garden.LastSeen = &now
	}
	if g.tracker != nil && !wasOnline && kind != transport.KindStatus {
		g.emit(events.ConnectionStatus, serial, events.ConnectionPayload{DeviceID: serial, Status: "online"})
	}

	switch kind {
	case transport.KindData:
		err = g.handleData(garden, payload, now)
	case transport.KindStatus:
		err = g.handleStatus(garden, payload)
	case transport.KindSync:
		err = g.handleSync(garden, payload)
	case transport.KindUpdate:
		err = g.handleUpdate(garden, payload, now)
	}
	if errors.Is(err, ErrDecode) {
		g.metrics.Incr("gateway.dropped", "reason:decode")
	}
	return err
}

func (g *Gateway) emit(typ, serial string, data any) {
	g.bus.Emit(events.Event{Type: typ, DeviceID: serial, Data: data})
}
