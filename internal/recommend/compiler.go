// Package recommend compiles free-text schedule advice from the analysis
// engine into recurring rules.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"garden-hub/internal/metrics"
	"garden-hub/internal/store"
)

// Switch decodes the analysis engine's action, which arrives as a JSON
// bool or as one of "on", "off", "true", "false", "bật", "tắt".
type Switch bool

func (s *Switch) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*s = Switch(b)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("action: %w", err)
	}
	switch Normalize(str) {
	case "on", "true", "bật", "1":
		*s = true
	case "off", "false", "tắt", "0", "":
		*s = false
	default:
		return fmt.Errorf("action: unrecognised value %q", str)
	}
	return nil
}

// Advice is one device's recommendation.
type Advice struct {
	Action   Switch `json:"action"`
	Schedule string `json:"schedule"`
}

// Recommendation is the analysis engine's output.
type Recommendation struct {
	Summary         string            `json:"summary"`
	Conditions      json.RawMessage   `json:"conditions,omitempty"`
	Recommendations map[string]Advice `json:"recommendations"`
}

// RuleReplacer swaps one provenance's rules for a device.
type RuleReplacer interface {
	Replace(gardenID string, device store.Device, source store.Source, rules []*store.ScheduleRule) (int, error)
}

// AutoSetter turns AUTO mode on so new rules take effect.
type AutoSetter interface {
	SetAuto(ctx context.Context, gardenID string, enabled bool, source store.Source, actor string) (*store.HistoryEntry, error)
}

// DeviceResult reports what happened for one device.
type DeviceResult struct {
	Device   store.Device `json:"device"`
	Created  int          `json:"created"`
	Removed  int          `json:"removed"`
	Negative bool         `json:"negative,omitempty"`
	Failed   []string     `json:"failed_tokens,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Result is the outcome of one Compile.
type Result struct {
	Devices     []DeviceResult `json:"devices"`
	Created     int            `json:"created"`
	AutoEnabled bool           `json:"auto_enabled"`
	AutoError   string         `json:"auto_error,omitempty"`
}

// Compiler turns a Recommendation into stored rules.
type Compiler struct {
	rules   RuleReplacer
	auto    AutoSetter
	metrics *metrics.Client
	logger  *slog.Logger
}

func NewCompiler(rules RuleReplacer, auto AutoSetter, m *metrics.Client, logger *slog.Logger) *Compiler {
	return &Compiler{rules: rules, auto: auto, metrics: m, logger: logger.With("component", "recommend")}
}

// Compile processes each device independently. For every device present
// in rec its previous AI rules are replaced, even when the new advice
// yields none. If any rule was created, AUTO is switched on with source
// AI_RECOMMENDATION. Parse failures stay per device; persistence errors
// are joined into the returned error.
func (c *Compiler) Compile(ctx context.Context, gardenID, actor string, rec Recommendation) (*Result, error) {
	res := &Result{}
	var errs []error

	keys := make([]string, 0, len(rec.Recommendations))
	for k := range rec.Recommendations {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		advice := rec.Recommendations[key]
		dev, err := store.ParseDevice(key)
		if err != nil || !dev.Schedulable() {
			c.logger.Warn("recommendation for unsupported device ignored", "garden", gardenID, "device", key)
			continue
		}
		dr := c.compileDevice(gardenID, actor, dev, advice, &errs)
		res.Created += dr.Created
		res.Devices = append(res.Devices, dr)
	}

	if res.Created > 0 {
		if _, err := c.auto.SetAuto(ctx, gardenID, true, store.SourceAI, actor); err != nil {
			res.AutoError = err.Error()
			if errors.Is(err, store.ErrPersistence) {
				errs = append(errs, err)
			}
			c.logger.Warn("auto mode not enabled after recommendation", "garden", gardenID, "err", err)
		} else {
			res.AutoEnabled = true
		}
	}

	c.metrics.Incr("recommend.compiled")
	c.logger.Info("recommendation compiled", "garden", gardenID, "created", res.Created, "auto", res.AutoEnabled)
	return res, errors.Join(errs...)
}

func (c *Compiler) compileDevice(gardenID, actor string, dev store.Device, advice Advice, errs *[]error) DeviceResult {
	dr := DeviceResult{Device: dev}

	rules, sched, err := Rules(dev, bool(advice.Action), advice.Schedule, actor)
	if sched != nil {
		dr.Negative = sched.Negative
		dr.Failed = sched.Failed
	}
	if err != nil {
		dr.Error = err.Error()
		c.metrics.Incr("recommend.parse_failed", "device:"+dev.Key())
		c.logger.Warn("schedule text not understood", "garden", gardenID, "device", dev, "text", advice.Schedule, "err", err)
	} else if len(dr.Failed) > 0 {
		c.logger.Warn("some schedule tokens skipped", "garden", gardenID, "device", dev, "tokens", strings.Join(dr.Failed, "|"))
	}

	removed, err := c.rules.Replace(gardenID, dev, store.SourceAI, rules)
	if err != nil {
		dr.Error = err.Error()
		*errs = append(*errs, fmt.Errorf("%s: %w", dev, err))
		c.logger.Error("failed to replace AI rules", "garden", gardenID, "device", dev, "err", err)
		return dr
	}
	dr.Removed = removed
	dr.Created = countSaved(rules)
	return dr
}

// countSaved counts rules the replacer accepted; rejected ones keep an
// empty ID.
func countSaved(rules []*store.ScheduleRule) int {
	n := 0
	for _, r := range rules {
		if r.ID != "" {
			n++
		}
	}
	return n
}
