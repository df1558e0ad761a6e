// Package schedule runs recurring rules against the wall clock and owns
// rule management, including the AUTO bulk toggle.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"garden-hub/internal/clock"
	"garden-hub/internal/connectivity"
	"garden-hub/internal/dispatch"
	"garden-hub/internal/metrics"
	"garden-hub/internal/store"
)

// DefaultInterval is the tick period. Matching is exact to the minute, so
// a longer interval would skip rules.
const DefaultInterval = time.Minute

// Sender is the dispatcher capability the scheduler needs.
type Sender interface {
	Send(ctx context.Context, g *store.Garden, cmd dispatch.Command) (*store.HistoryEntry, error)
}

// RuleSource supplies rules and their owning gardens.
type RuleSource interface {
	ListActiveRules() ([]*store.ScheduleRule, error)
	GetGarden(id string) (*store.Garden, error)
}

// TickResult summarises one tick.
type TickResult struct {
	Matched int
	Fired   int
	Skipped int
	Failed  int
}

// Executor fires matching rules once per tick. A tick that is late past
// a rule's minute does not catch up, and a skipped rule is not retried.
type Executor struct {
	rules    RuleSource
	sender   Sender
	tracker  *connectivity.Tracker
	clock    clock.Clock
	location *time.Location
	interval time.Duration
	metrics  *metrics.Client
	logger   *slog.Logger
	observe  func(time.Time, TickResult)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func WithClock(c clock.Clock) ExecutorOption { return func(e *Executor) { e.clock = c } }

// WithLocation evaluates ticks in loc instead of local time.
func WithLocation(loc *time.Location) ExecutorOption {
	return func(e *Executor) {
		if loc != nil {
			e.location = loc
		}
	}
}

func WithInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.interval = d
		}
	}
}

func WithMetrics(m *metrics.Client) ExecutorOption { return func(e *Executor) { e.metrics = m } }

// WithTickObserver is called after every tick started by Start.
func WithTickObserver(fn func(time.Time, TickResult)) ExecutorOption {
	return func(e *Executor) { e.observe = fn }
}

func NewExecutor(rules RuleSource, sender Sender, tracker *connectivity.Tracker, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		rules:    rules,
		sender:   sender,
		tracker:  tracker,
		clock:    clock.Real(),
		location: time.Local,
		interval: DefaultInterval,
		logger:   logger.With("component", "scheduler"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start launches the tick loop. It returns immediately.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ticker := e.clock.NewTicker(e.interval)

	go func() {
		defer close(e.done)
		defer ticker.Stop()
		// A sub-minute interval must not fire the same minute twice.
		var last time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				minute := t.In(e.location).Truncate(time.Minute)
				if minute.Equal(last) {
					continue
				}
				last = minute
				res := e.Tick(ctx, t)
				if e.observe != nil {
					e.observe(t, res)
				}
			}
		}
	}()
	e.logger.Info("scheduler started", "interval", e.interval, "location", e.location.String())
}

// Stop ends the loop and waits for an in-flight tick to finish.
func (e *Executor) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("scheduler stopped")
}

// Tick matches and fires rules for the minute containing now. Rules run
// sequentially; one failure does not stop the rest. Once started, a tick
// runs to completion even if ctx is cancelled.
func (e *Executor) Tick(ctx context.Context, now time.Time) TickResult {
	ctx = context.WithoutCancel(ctx)
	local := now.In(e.location)
	hour, minute, weekday := local.Hour(), local.Minute(), local.Weekday()

	var res TickResult
	rules, err := e.rules.ListActiveRules()
	if err != nil {
		e.logger.Error("failed to load rules", "err", err)
		return res
	}

	for _, r := range rules {
		if !r.Matches(hour, minute, weekday) {
			continue
		}
		res.Matched++
		switch err := e.fire(ctx, r); {
		case errors.Is(err, errSkipped):
			res.Skipped++
		case err != nil:
			res.Failed++
			e.metrics.Incr("schedule.failed", "device:"+r.Device.Key())
			e.logger.Warn("rule failed", "rule", r.ID, "garden", r.GardenID, "device", r.Device, "err", err)
		default:
			res.Fired++
		}
	}
	if res.Matched > 0 {
		e.logger.Debug("tick",
			"time", fmt.Sprintf("%02d:%02d", hour, minute), "weekday", int(weekday),
			"matched", res.Matched, "fired", res.Fired, "skipped", res.Skipped, "failed", res.Failed)
	}
	return res
}

var errSkipped = errors.New("garden disconnected")

func (e *Executor) fire(ctx context.Context, r *store.ScheduleRule) error {
	g, err := e.rules.GetGarden(r.GardenID)
	if err != nil {
		return fmt.Errorf("resolve garden: %w", err)
	}
	if !e.tracker.IsConnected(g) {
		e.metrics.Incr("schedule.skipped", "device:"+r.Device.Key())
		e.logger.Warn("rule skipped, garden disconnected",
			"rule", r.ID, "serial", g.Serial, "device", r.Device, "last_seen", g.LastSeen)
		return errSkipped
	}
	_, err = e.sender.Send(ctx, g, dispatch.Command{
		Device: r.Device,
		State:  r.Action,
		Source: store.SourceSchedule,
		Actor:  r.CreatedBy,
	})
	if err != nil {
		return err
	}
	e.metrics.Incr("schedule.fired", "device:"+r.Device.Key())
	e.logger.Info("rule fired", "rule", r.ID, "serial", g.Serial, "device", r.Device, "state", r.Action)
	return nil
}
