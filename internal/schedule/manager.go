package schedule

import (
	"context"
	"fmt"
	"log/slog"

	"garden-hub/internal/dispatch"
	"garden-hub/internal/store"
)

// Store is the persistence the Manager needs.
type Store interface {
	GetGarden(id string) (*store.Garden, error)
	UpdateGarden(id string, fn func(g *store.Garden) error) error
	SaveRule(r *store.ScheduleRule) error
	GetRule(id string) (*store.ScheduleRule, error)
	DeleteRule(id string) error
	ListRules(gardenID string) ([]*store.ScheduleRule, error)
	DeleteRulesBySource(gardenID string, device store.Device, source store.Source) (int, error)
	SetRulesActive(gardenID string, active bool) (int, error)
}

// Manager is the single entry point for rule mutations.
type Manager struct {
	store  Store
	sender Sender
	logger *slog.Logger
}

func NewManager(st Store, sender Sender, logger *slog.Logger) *Manager {
	return &Manager{store: st, sender: sender, logger: logger.With("component", "schedules")}
}

// Create stores a new rule. Source defaults to USER.
func (m *Manager) Create(r *store.ScheduleRule) error {
	if _, err := m.store.GetGarden(r.GardenID); err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	r.ID = ""
	if r.Source == "" {
		r.Source = store.SourceUser
	}
	if err := m.store.SaveRule(r); err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	m.logger.Info("rule created", "rule", r.ID, "garden", r.GardenID, "device", r.Device,
		"time", fmt.Sprintf("%02d:%02d", r.Hour, r.Minute), "source", r.Source)
	return nil
}

// Update applies fn to a stored rule and saves it. ID, garden and
// provenance cannot be changed.
func (m *Manager) Update(id string, fn func(r *store.ScheduleRule)) (*store.ScheduleRule, error) {
	r, err := m.store.GetRule(id)
	if err != nil {
		return nil, err
	}
	gardenID, source, createdAt := r.GardenID, r.Source, r.CreatedAt
	fn(r)
	r.ID, r.GardenID, r.Source, r.CreatedAt = id, gardenID, source, createdAt
	if err := m.store.SaveRule(r); err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	return r, nil
}

func (m *Manager) Delete(id string) error {
	if err := m.store.DeleteRule(id); err != nil {
		return err
	}
	m.logger.Info("rule deleted", "rule", id)
	return nil
}

func (m *Manager) Get(id string) (*store.ScheduleRule, error) { return m.store.GetRule(id) }

func (m *Manager) List(gardenID string) ([]*store.ScheduleRule, error) {
	return m.store.ListRules(gardenID)
}

// Replace deletes every rule for (garden, device) with the given source
// and inserts rules in its place. It returns how many were removed.
// Rules failing validation are logged and left out.
func (m *Manager) Replace(gardenID string, device store.Device, source store.Source, rules []*store.ScheduleRule) (removed int, err error) {
	removed, err = m.store.DeleteRulesBySource(gardenID, device, source)
	if err != nil {
		return 0, fmt.Errorf("%w: delete %s rules: %w", store.ErrPersistence, source, err)
	}
	for _, r := range rules {
		r.ID = ""
		r.GardenID, r.Device, r.Source = gardenID, device, source
		if err := m.store.SaveRule(r); err != nil {
			m.logger.Warn("rule rejected", "garden", gardenID, "device", device, "err", err)
			continue
		}
	}
	return removed, nil
}

// SetAuto handles target AUTO: every rule of the garden is switched on
// or off, the garden's auto-mode flag is stored, and only then the AUTO
// command is dispatched. When dispatch fails the stored state stands and
// the error is returned.
func (m *Manager) SetAuto(ctx context.Context, gardenID string, enabled bool, source store.Source, actor string) (*store.HistoryEntry, error) {
	n, err := m.store.SetRulesActive(gardenID, enabled)
	if err != nil {
		return nil, fmt.Errorf("%w: toggle rules: %w", store.ErrPersistence, err)
	}
	err = m.store.UpdateGarden(gardenID, func(g *store.Garden) error {
		g.Settings.AutoMode = enabled
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set auto mode: %w", err)
	}
	g, err := m.store.GetGarden(gardenID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("auto mode changed", "garden", gardenID, "enabled", enabled, "rules", n, "source", source)

	return m.sender.Send(ctx, g, dispatch.Command{
		Device: store.DeviceAuto,
		State:  enabled,
		Source: source,
		Actor:  actor,
	})
}
