package ratelimit

import "time"

// Entry is the persisted state of one (identifier, category) counter.
type Entry struct {
	Count        int
	WindowStart  time.Time
	Blocked      bool
	BlockedUntil time.Time
}

// Decision is the outcome of applying one request to an entry.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
	Blocked   bool
}

// advance applies one request arriving at now to prev and returns the new
// entry state. A block overrides window logic until BlockedUntil; after that
// the entry is treated as absent and a fresh window begins.
func advance(prev Entry, exists bool, now time.Time, rule Rule) (Entry, Decision) {
	if exists && prev.Blocked {
		if now.Before(prev.BlockedUntil) {
			return prev, Decision{ResetIn: prev.BlockedUntil.Sub(now), Blocked: true}
		}
		exists = false
	}

	if !exists || now.Sub(prev.WindowStart) >= rule.Window {
		return Entry{Count: 1, WindowStart: now}, Decision{
			Allowed:   true,
			Remaining: rule.MaxRequests - 1,
			ResetIn:   rule.Window,
		}
	}

	next := prev
	next.Count++
	resetIn := prev.WindowStart.Add(rule.Window).Sub(now)
	if next.Count <= rule.MaxRequests {
		return next, Decision{Allowed: true, Remaining: rule.MaxRequests - next.Count, ResetIn: resetIn}
	}
	if rule.BlockDuration > 0 {
		next.Blocked = true
		next.BlockedUntil = now.Add(rule.BlockDuration)
		return next, Decision{ResetIn: rule.BlockDuration, Blocked: true}
	}
	return next, Decision{ResetIn: resetIn}
}

// expiresAt is the instant after which the entry carries no state.
func (e Entry) expiresAt(window time.Duration) time.Time {
	if e.Blocked {
		return e.BlockedUntil
	}
	return e.WindowStart.Add(window)
}
