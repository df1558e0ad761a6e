package store

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Device names an actuator on a garden controller. AUTO is the pseudo-device
// standing for the garden's schedule automation switch.
type Device string

const (
	DeviceFan   Device = "FAN"
	DeviceLight Device = "LIGHT"
	DevicePump  Device = "PUMP"
	DeviceAuto  Device = "AUTO"
)

// Actuators lists the physical devices in a fixed order.
var Actuators = []Device{DeviceFan, DeviceLight, DevicePump}

// ParseDevice accepts any case ("fan", "Fan", "FAN").
func ParseDevice(s string) (Device, error) {
	d := Device(strings.ToUpper(strings.TrimSpace(s)))
	switch d {
	case DeviceFan, DeviceLight, DevicePump, DeviceAuto:
		return d, nil
	}
	return "", fmt.Errorf("unknown device %q", s)
}

// Schedulable reports whether a schedule rule may target d.
func (d Device) Schedulable() bool {
	return d == DeviceFan || d == DeviceLight || d == DevicePump
}

// Key is the lowercase name used in device payloads.
func (d Device) Key() string { return strings.ToLower(string(d)) }

// Source is the provenance of a schedule rule or history entry.
type Source string

const (
	SourceUser     Source = "USER"
	SourceAI       Source = "AI_RECOMMENDATION"
	SourceSystem   Source = "SYSTEM"
	SourceAuto     Source = "AUTO"
	SourceSchedule Source = "SCHEDULE"
)

// Action is the recorded outcome of a command.
type Action string

const (
	ActionOn                Action = "ON"
	ActionOff               Action = "OFF"
	ActionSchedulesEnabled  Action = "SCHEDULES_ENABLED"
	ActionSchedulesDisabled Action = "SCHEDULES_DISABLED"
)

// ActionFor maps a desired state to the history action for d.
func ActionFor(d Device, state bool) Action {
	if d == DeviceAuto {
		if state {
			return ActionSchedulesEnabled
		}
		return ActionSchedulesDisabled
	}
	if state {
		return ActionOn
	}
	return ActionOff
}

// Settings is the threshold bag pushed to a controller.
type Settings struct {
	AutoMode       bool    `json:"auto_mode"`
	TemperatureMin float64 `json:"temperature_min"`
	TemperatureMax float64 `json:"temperature_max"`
	HumidityMin    float64 `json:"humidity_min"`
	HumidityMax    float64 `json:"humidity_max"`
	LightMin       float64 `json:"light_min"`
	LightMax       float64 `json:"light_max"`
	SoilMin        float64 `json:"soil_moisture_min"`
	SoilMax        float64 `json:"soil_moisture_max"`
}

// DefaultSettings are applied to newly registered gardens.
func DefaultSettings() Settings {
	return Settings{
		AutoMode:       false,
		TemperatureMin: 18,
		TemperatureMax: 32,
		HumidityMin:    40,
		HumidityMax:    80,
		LightMin:       20,
		LightMax:       80,
		SoilMin:        30,
		SoilMax:        70,
	}
}

// Garden is a registered controller. Serial never changes after creation.
type Garden struct {
	ID        string     `json:"id"`
	Serial    string     `json:"serial"`
	Name      string     `json:"name,omitempty"`
	OwnerID   string     `json:"owner_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	Settings  Settings   `json:"settings"`
}

// Snapshot is one point-in-time reading of a garden.
type Snapshot struct {
	GardenID    string    `json:"garden_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Light       float64   `json:"light"`
	Soil        float64   `json:"soil"`
	Fan         bool      `json:"fan"`
	LightOn     bool      `json:"light_status"`
	Pump        bool      `json:"pump"`
	AutoMode    bool      `json:"auto"`
}

// Actuator returns the stored state of d.
func (s *Snapshot) Actuator(d Device) bool {
	switch d {
	case DeviceFan:
		return s.Fan
	case DeviceLight:
		return s.LightOn
	case DevicePump:
		return s.Pump
	case DeviceAuto:
		return s.AutoMode
	}
	return false
}

// ScheduleRule is a recurring trigger. Days uses 0=Sunday.
type ScheduleRule struct {
	ID        string    `json:"id"`
	GardenID  string    `json:"garden_id"`
	Device    Device    `json:"device"`
	Action    bool      `json:"action"`
	Hour      int       `json:"hour"`
	Minute    int       `json:"minute"`
	Days      []int     `json:"days"`
	Active    bool      `json:"active"`
	Source    Source    `json:"source"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate enforces the rule invariants.
func (r *ScheduleRule) Validate() error {
	if r.GardenID == "" {
		return fmt.Errorf("%w: garden id is required", ErrInvalidRule)
	}
	if !r.Device.Schedulable() {
		return fmt.Errorf("%w: device %q cannot be scheduled", ErrInvalidRule, r.Device)
	}
	if r.Hour < 0 || r.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range", ErrInvalidRule, r.Hour)
	}
	if r.Minute < 0 || r.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range", ErrInvalidRule, r.Minute)
	}
	if len(r.Days) == 0 {
		return fmt.Errorf("%w: weekday set is empty", ErrInvalidRule)
	}
	for _, d := range r.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidRule, d)
		}
	}
	switch r.Source {
	case SourceUser, SourceAI, SourceSystem:
	default:
		return fmt.Errorf("%w: source %q", ErrInvalidRule, r.Source)
	}
	return nil
}

// Matches reports whether the rule fires at the given wall-clock minute.
// Inactive rules never match.
func (r *ScheduleRule) Matches(hour, minute int, weekday time.Weekday) bool {
	return r.Active && r.Hour == hour && r.Minute == minute && slices.Contains(r.Days, int(weekday))
}

// NormalizeDays sorts and de-duplicates a weekday set.
func NormalizeDays(days []int) []int {
	out := slices.Clone(days)
	slices.Sort(out)
	return slices.Compact(out)
}

// AllDays is every weekday, Sunday first.
func AllDays() []int { return []int{0, 1, 2, 3, 4, 5, 6} }

// HistoryEntry is one audit record.
type HistoryEntry struct {
	ID        string    `json:"id"`
	GardenID  string    `json:"garden_id"`
	Device    Device    `json:"device"`
	Action    Action    `json:"action"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id,omitempty"`
}
