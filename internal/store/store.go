package store

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrPersistence marks a failed write on a primary path. Callers wrap the
	// underlying store error with it before surfacing.
	ErrPersistence = errors.New("persistence error")

	// ErrInvalidRule is returned for schedule rules that break an invariant.
	ErrInvalidRule = errors.New("invalid schedule rule")

	// ErrConflict is returned when a garden serial is already registered.
	ErrConflict = errors.New("conflict")
)

// Store defines the persistence interface.
type Store interface {
	// Gardens
	SaveGarden(g *Garden) error
	GetGarden(id string) (*Garden, error)
	GetGardenBySerial(serial string) (*Garden, error)
	ListGardens() ([]*Garden, error)
	DeleteGarden(id string) error

	// UpdateGarden atomically reads, modifies, and saves a garden in a single
	// transaction. Returns ErrNotFound if the garden does not exist.
	UpdateGarden(id string, fn func(g *Garden) error) error

	// Snapshots are append-only and ordered by timestamp.
	AppendSnapshot(s *Snapshot) error
	LatestSnapshot(gardenID string) (*Snapshot, error)
	ListSnapshots(gardenID string, limit int) ([]*Snapshot, error)

	// Schedule rules
	SaveRule(r *ScheduleRule) error
	GetRule(id string) (*ScheduleRule, error)
	DeleteRule(id string) error
	ListRules(gardenID string) ([]*ScheduleRule, error)
	ListActiveRules() ([]*ScheduleRule, error)
	// DeleteRulesBySource removes every rule of gardenID for device with the
	// given provenance and returns how many were removed.
	DeleteRulesBySource(gardenID string, device Device, source Source) (int, error)
	// SetRulesActive flips the active flag of every rule of gardenID.
	SetRulesActive(gardenID string, active bool) (int, error)

	// History is append-only.
	AppendHistory(e *HistoryEntry) error
	ListHistory(gardenID string, limit int) ([]*HistoryEntry, error)

	Close() error
}
