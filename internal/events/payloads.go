package events

import "garden-hub/internal/store"

// SensorPayload is the Data of a SensorData event.
type SensorPayload struct {
	DeviceID string          `json:"device_id"`
	Snapshot *store.Snapshot `json:"snapshot"`
}

// StatusPayload is the Data of a DeviceStatus event.
type StatusPayload struct {
	DeviceID string `json:"device_id"`
	Fan      bool   `json:"fan"`
	Light    bool   `json:"light"`
	Pump     bool   `json:"pump"`
	Auto     bool   `json:"auto"`
}

// ConnectionPayload is the Data of a ConnectionStatus event.
type ConnectionPayload struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
}

// StatusOf projects a snapshot onto its actuator states.
func StatusOf(serial string, s *store.Snapshot) StatusPayload {
	return StatusPayload{DeviceID: serial, Fan: s.Fan, Light: s.LightOn, Pump: s.Pump, Auto: s.AutoMode}
}
