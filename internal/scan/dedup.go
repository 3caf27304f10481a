package scan

import (
	"sync"
	"time"
)

// Event is one accepted decode. It is ephemeral: consulted by the session
// for handoff and then dropped, never persisted.
type Event struct {
	Payload Payload
	At      time.Time
}

// Deduplicator turns a stream of raw decoded strings into accepted,
// de-duplicated payloads. Identical text is suppressed for the cool-down
// window; text that decodes to a different code is accepted immediately.
// Expiry is checked lazily on the next Accept, there is no timer.
//
// Each scanning session owns its own instance, so two sessions in one
// process never interfere.
type Deduplicator struct {
	mu             sync.Mutex
	cooldown       time.Duration
	lastText       string
	lastAcceptedAt time.Time
	inFlight       bool
}

// NewDeduplicator creates a deduplicator with the given cool-down window.
func NewDeduplicator(cooldown time.Duration) *Deduplicator {
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	return &Deduplicator{cooldown: cooldown}
}

// Accept parses raw text and decides whether it is a fresh scan. It returns
// false for unparseable or non-attendance content, and for a repeat of the
// last accepted text inside the cool-down window. On acceptance the
// remembered text and timestamp are replaced.
func (d *Deduplicator) Accept(raw string, now time.Time) (Payload, bool) {
	p, ok := ParsePayload(raw)
	if !ok {
		return Payload{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if raw == d.lastText && now.Sub(d.lastAcceptedAt) < d.cooldown {
		return Payload{}, false
	}
	d.lastText = raw
	d.lastAcceptedAt = now
	return p, true
}

// TryBeginHandoff claims the single in-flight slot for handing an accepted
// scan to reconciliation. It returns false while a previous handoff is
// still pending, which keeps a fast decode loop from outrunning downstream
// processing.
func (d *Deduplicator) TryBeginHandoff() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight {
		return false
	}
	d.inFlight = true
	return true
}

// EndHandoff releases the in-flight slot. Safe to call more than once.
func (d *Deduplicator) EndHandoff() {
	d.mu.Lock()
	d.inFlight = false
	d.mu.Unlock()
}
