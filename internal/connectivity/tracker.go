// Package connectivity derives online/offline state from a garden's
// last_seen timestamp. There are no heartbeats: a garden that stops
// publishing drops offline once the window passes.
package connectivity

import (
	"time"

	"garden-hub/internal/clock"
	"garden-hub/internal/store"
)

// DefaultTimeout is the connectivity window.
const DefaultTimeout = 5 * time.Minute

// Tracker answers liveness questions against an injectable clock.
type Tracker struct {
	clock   clock.Clock
	timeout time.Duration
}

// New returns a Tracker. A non-positive timeout selects DefaultTimeout.
func New(c clock.Clock, timeout time.Duration) *Tracker {
	if c == nil {
		c = clock.Real()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{clock: c, timeout: timeout}
}

// Timeout returns the configured window.
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Since reports whether a device last seen at lastSeen is live now.
// A nil lastSeen means never seen.
func (t *Tracker) Since(lastSeen *time.Time) bool {
	if lastSeen == nil {
		return false
	}
	return t.clock.Now().Sub(*lastSeen) < t.timeout
}

// IsConnected reports whether g has been heard from within the window.
func (t *Tracker) IsConnected(g *store.Garden) bool {
	if g == nil {
		return false
	}
	return t.Since(g.LastSeen)
}

// Status is the string form broadcast to subscribers.
func (t *Tracker) Status(g *store.Garden) string {
	if t.IsConnected(g) {
		return "online"
	}
	return "offline"
}
