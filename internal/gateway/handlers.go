package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"garden-hub/internal/events"
	"garden-hub/internal/store"
	"garden-hub/internal/transport"
)

// dataMessage is garden/{serial}/data.
type dataMessage struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Light       float64 `json:"light"`
	Soil        float64 `json:"soil"`
	Fan         bool    `json:"fan"`
	LightStatus bool    `json:"light_status"`
	Pump        bool    `json:"pump"`
	Auto        bool    `json:"auto"`
}

// statusMessage is garden/{serial}/status.
type statusMessage struct {
	Status string `json:"status"`
}

// updateMessage is garden/{serial}/update. Absent fields keep their
// previous value.
type updateMessage struct {
	DeviceUpdate bool  `json:"device_update"`
	Fan          *bool `json:"fan"`
	Light        *bool `json:"light"`
	Pump         *bool `json:"pump"`
	Auto         *bool `json:"auto"`
}

// syncResponse goes to the command topic.
type syncResponse struct {
	SyncResponse bool `json:"sync_response"`
	Fan          bool `json:"fan"`
	Light        bool `json:"light"`
	Pump         bool `json:"pump"`
	Auto         bool `json:"auto"`
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// Sensor bounds. Out-of-range readings are clamped, not rejected.
var bounds = map[string][2]float64{
	"temperature": {-40, 85},
	"humidity":    {0, 100},
	"light":       {0, 100},
	"soil":        {0, 100},
}

func (g *Gateway) clamp(serial, name string, v float64) float64 {
	b := bounds[name]
	switch {
	case v < b[0]:
		g.logger.Debug("reading clamped", "serial", serial, "sensor", name, "value", v, "min", b[0])
		return b[0]
	case v > b[1]:
		g.logger.Debug("reading clamped", "serial", serial, "sensor", name, "value", v, "max", b[1])
		return b[1]
	}
	return v
}

func (g *Gateway) handleData(garden *store.Garden, payload []byte, now time.Time) error {
	var msg dataMessage
	if err := decode(payload, &msg); err != nil {
		return err
	}
	snap := &store.Snapshot{
		GardenID:    garden.ID,
		Timestamp:   now,
		Temperature: g.clamp(garden.Serial, "temperature", msg.Temperature),
		Humidity:    g.clamp(garden.Serial, "humidity", msg.Humidity),
		Light:       g.clamp(garden.Serial, "light", msg.Light),
		Soil:        g.clamp(garden.Serial, "soil", msg.Soil),
		Fan:         msg.Fan,
		LightOn:     msg.LightStatus,
		Pump:        msg.Pump,
		AutoMode:    msg.Auto,
	}
	if err := g.store.AppendSnapshot(snap); err != nil {
		return fmt.Errorf("%w: append snapshot: %w", store.ErrPersistence, err)
	}

	tag := "serial:" + garden.Serial
	g.metrics.Gauge("garden.temperature", snap.Temperature, tag)
	g.metrics.Gauge("garden.humidity", snap.Humidity, tag)
	g.metrics.Gauge("garden.light", snap.Light, tag)
	g.metrics.Gauge("garden.soil", snap.Soil, tag)

	g.emit(events.SensorData, garden.Serial, events.SensorPayload{DeviceID: garden.Serial, Snapshot: snap})
	return nil
}

func (g *Gateway) handleStatus(garden *store.Garden, payload []byte) error {
	var msg statusMessage
	if err := decode(payload, &msg); err != nil {
		return err
	}
	if msg.Status == "" {
		msg.Status = "online"
	}
	g.logger.Debug("device status", "serial", garden.Serial, "status", msg.Status)
	g.emit(events.ConnectionStatus, garden.Serial, events.ConnectionPayload{DeviceID: garden.Serial, Status: msg.Status})
	return nil
}

// latest returns the newest snapshot or nil when the garden has none.
func (g *Gateway) latest(gardenID string) (*store.Snapshot, error) {
	snap, err := g.store.LatestSnapshot(gardenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: latest snapshot: %w", store.ErrPersistence, err)
	}
	return snap, nil
}

// handleSync replies with the canonical actuator states. A garden with no
// snapshot yet gets everything off and its stored auto-mode flag.
func (g *Gateway) handleSync(garden *store.Garden, payload []byte) error {
	var req map[string]any
	if err := decode(payload, &req); err != nil {
		return err
	}
	snap, err := g.latest(garden.ID)
	if err != nil {
		return err
	}
	resp := syncResponse{SyncResponse: true, Auto: garden.Settings.AutoMode}
	if snap != nil {
		resp.Fan, resp.Light, resp.Pump, resp.Auto = snap.Fan, snap.LightOn, snap.Pump, snap.AutoMode
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	// A disabled client accepts publishes silently; only a live link can
	// deliver the reply.
	if !g.transport.Connected() {
		g.logger.Warn("sync reply not sent", "serial", garden.Serial, "err", transport.ErrNotConnected)
		return nil
	}
	if err := g.transport.Publish(g.topics.Command(garden.Serial), out); err != nil {
		g.logger.Warn("sync reply not sent", "serial", garden.Serial, "err", err)
		return nil
	}
	g.logger.Info("sync reply sent", "serial", garden.Serial)
	return nil
}

// handleUpdate appends a snapshot carrying the previous readings with the
// pushed actuator states applied. Read-modify-write is unlocked: two
// concurrent updates for one garden are last-writer-wins.
func (g *Gateway) handleUpdate(garden *store.Garden, payload []byte, now time.Time) error {
	var msg updateMessage
	if err := decode(payload, &msg); err != nil {
		return err
	}
	prev, err := g.latest(garden.ID)
	if err != nil {
		return err
	}
	base := store.Snapshot{GardenID: garden.ID, AutoMode: garden.Settings.AutoMode}
	if prev != nil {
		base = *prev
	}
	next := base
	next.Timestamp = now
	apply := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	apply(&next.Fan, msg.Fan)
	apply(&next.LightOn, msg.Light)
	apply(&next.Pump, msg.Pump)
	apply(&next.AutoMode, msg.Auto)

	if err := g.store.AppendSnapshot(&next); err != nil {
		return fmt.Errorf("%w: append snapshot: %w", store.ErrPersistence, err)
	}

	for _, d := range store.Actuators {
		if base.Actuator(d) == next.Actuator(d) {
			continue
		}
		entry := &store.HistoryEntry{
			GardenID:  garden.ID,
			Device:    d,
			Action:    store.ActionFor(d, next.Actuator(d)),
			Source:    store.SourceAuto,
			Timestamp: now,
		}
		if err := g.store.AppendHistory(entry); err != nil {
			g.logger.Error("failed to audit device update", "serial", garden.Serial, "device", d, "err", err)
		}
	}

	g.emit(events.DeviceStatus, garden.Serial, events.StatusOf(garden.Serial, &next))
	return nil
}
