// Package dispatch publishes control and settings messages to gardens.
//
// A command is published first and audited second. The two steps are not
// transactional: if the audit write fails the device has already acted
// and the caller gets a store.ErrPersistence. Delivery is at most once.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"garden-hub/internal/clock"
	"garden-hub/internal/events"
	"garden-hub/internal/metrics"
	"garden-hub/internal/store"
	"garden-hub/internal/transport"
)

// ErrTransportUnavailable means the broker link is down. Nothing was
// published and nothing was audited.
var ErrTransportUnavailable = errors.New("transport unavailable")

// Store is the slice of persistence the dispatcher needs.
type Store interface {
	GetGarden(id string) (*store.Garden, error)
	AppendHistory(e *store.HistoryEntry) error
}

// Command is one actuator instruction.
type Command struct {
	Device store.Device
	State  bool
	Source store.Source // defaults to USER
	Actor  string
}

// commandPayload is the wire shape on garden/{serial}/command.
type commandPayload struct {
	Device string `json:"device"`
	State  bool   `json:"state"`
}

// Dispatcher sends commands and settings through a transport.Client.
type Dispatcher struct {
	transport transport.Client
	store     Store
	topics    transport.Topics
	bus       *events.Bus
	metrics   *metrics.Client
	clock     clock.Clock
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithEventBus emits command_sent after each audited command.
func WithEventBus(b *events.Bus) Option {
	return func(d *Dispatcher) { d.bus = b }
}

func WithMetrics(m *metrics.Client) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func New(tc transport.Client, st Store, topics transport.Topics, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: tc,
		store:     st,
		topics:    topics,
		clock:     clock.Real(),
		logger:    logger.With("component", "dispatch"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SendCommand resolves the garden by ID and sends cmd.
func (d *Dispatcher) SendCommand(ctx context.Context, gardenID string, cmd Command) (*store.HistoryEntry, error) {
	g, err := d.store.GetGarden(gardenID)
	if err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}
	return d.Send(ctx, g, cmd)
}

// Send publishes cmd to g's command topic, then appends the audit entry.
// AUTO is passed through as-is; toggling the garden's rules is the
// caller's job.
func (d *Dispatcher) Send(ctx context.Context, g *store.Garden, cmd Command) (*store.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cmd.Source == "" {
		cmd.Source = store.SourceUser
	}
	if !d.transport.Connected() {
		d.metrics.Incr("dispatch.unavailable")
		return nil, fmt.Errorf("command %s to %s: %w", cmd.Device, g.Serial, ErrTransportUnavailable)
	}

	payload, err := json.Marshal(commandPayload{Device: cmd.Device.Key(), State: cmd.State})
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	topic := d.topics.Command(g.Serial)
	if err := d.transport.Publish(topic, payload); err != nil {
		d.metrics.Incr("dispatch.unavailable")
		return nil, fmt.Errorf("command %s to %s: %w: %w", cmd.Device, g.Serial, ErrTransportUnavailable, err)
	}

	entry := &store.HistoryEntry{
		GardenID:  g.ID,
		Device:    cmd.Device,
		Action:    store.ActionFor(cmd.Device, cmd.State),
		Source:    cmd.Source,
		Timestamp: d.clock.Now(),
		ActorID:   cmd.Actor,
	}
	if err := d.store.AppendHistory(entry); err != nil {
		d.logger.Error("command published but audit failed",
			"garden", g.ID, "serial", g.Serial, "device", cmd.Device, "err", err)
		return nil, fmt.Errorf("%w: audit %s: %w", store.ErrPersistence, cmd.Device, err)
	}

	d.logger.Info("command sent",
		"serial", g.Serial, "device", cmd.Device, "state", cmd.State, "source", cmd.Source)
	d.metrics.Incr("dispatch.command", "device:"+cmd.Device.Key(), "source:"+string(cmd.Source))
	d.bus.Emit(events.Event{
		Type:     events.CommandSent,
		DeviceID: g.Serial,
		Data:     entry,
	})
	return entry, nil
}

// SendSettings publishes the full threshold bag. Best effort: no audit,
// no acknowledgement.
func (d *Dispatcher) SendSettings(ctx context.Context, g *store.Garden, s store.Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.transport.Connected() {
		return fmt.Errorf("settings to %s: %w", g.Serial, ErrTransportUnavailable)
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := d.transport.Publish(d.topics.Settings(g.Serial), payload); err != nil {
		return fmt.Errorf("settings to %s: %w: %w", g.Serial, ErrTransportUnavailable, err)
	}
	d.logger.Debug("settings sent", "serial", g.Serial)
	return nil
}
