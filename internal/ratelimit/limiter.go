package ratelimit

import (
	"sync"
	"time"
)

// Window bounds one sliding window: at most Max events inside the trailing
// Span.
type Window struct {
	Span time.Duration
	Max  int
}

type Limits struct {
	Short  Window
	Medium Window
	Daily  Window

	// BurstViolations consecutive short-window rejections trigger a block
	// of BlockFor.
	BurstViolations int
	BlockFor        time.Duration
}

// DefaultLimits are the production windows: 5/10s, 60/10min, 300/day, with
// a 60s block after 3 consecutive short-window violations.
func DefaultLimits() Limits {
	return Limits{
		Short:           Window{Span: 10 * time.Second, Max: 5},
		Medium:          Window{Span: 600 * time.Second, Max: 60},
		Daily:           Window{Span: 86400 * time.Second, Max: 300},
		BurstViolations: 3,
		BlockFor:        60 * time.Second,
	}
}

type entry struct {
	short  []time.Time
	medium []time.Time
	daily  []time.Time

	violations int
	blockedTil time.Time
}

// Limiter is a per-key sliding-window rate limiter. State is process-local
// and rebuilt from nothing on restart.
type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	entries map[string]*entry
	now     func() time.Time
}

func New(limits Limits) *Limiter {
	return &Limiter{
		limits:  limits,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow checks one key and records the event when it passes.
func (l *Limiter) Allow(key string) bool {
	return l.AllowAll(key)
}

// AllowAll is the all-or-nothing multi-key check: every key must
// independently pass before any key records the event; on pass every key
// records it.
func (l *Limiter) AllowAll(keys ...string) bool {
	if len(keys) == 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	ok := true
	for _, k := range keys {
		if !l.checkLocked(k, now) {
			ok = false
		}
	}
	if !ok {
		return false
	}
	for _, k := range keys {
		e := l.entries[k]
		e.short = append(e.short, now)
		e.medium = append(e.medium, now)
		e.daily = append(e.daily, now)
		e.violations = 0
	}
	return true
}

// checkLocked prunes and evaluates one key without recording. Short-window
// rejections bump the consecutive-violation counter; the counter arming a
// block is the only state a failed check mutates.
func (l *Limiter) checkLocked(key string, now time.Time) bool {
	e, exists := l.entries[key]
	if !exists {
		e = &entry{}
		l.entries[key] = e
	}

	e.short = prune(e.short, now.Add(-l.limits.Short.Span))
	e.medium = prune(e.medium, now.Add(-l.limits.Medium.Span))
	e.daily = prune(e.daily, now.Add(-l.limits.Daily.Span))

	if now.Before(e.blockedTil) {
		return false
	}

	if len(e.short) >= l.limits.Short.Max {
		e.violations++
		if e.violations >= l.limits.BurstViolations {
			e.blockedTil = now.Add(l.limits.BlockFor)
			e.violations = 0
		}
		return false
	}
	if len(e.medium) >= l.limits.Medium.Max {
		return false
	}
	if len(e.daily) >= l.limits.Daily.Max {
		return false
	}
	return true
}

// Prune drops entries that are empty and no longer blocked. Run by the
// maintenance tick.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, e := range l.entries {
		e.short = prune(e.short, now.Add(-l.limits.Short.Span))
		e.medium = prune(e.medium, now.Add(-l.limits.Medium.Span))
		e.daily = prune(e.daily, now.Add(-l.limits.Daily.Span))
		if len(e.daily) == 0 && e.violations == 0 && !now.Before(e.blockedTil) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func prune(events []time.Time, cutoff time.Time) []time.Time {
	trimmed := events[:0]
	for _, ts := range events {
		if ts.After(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}
	return trimmed
}
