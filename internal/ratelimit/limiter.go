// Package ratelimit provides in-memory fixed-window rate limiting. Each
// identifier gets a counter that starts a window on its first hit and resets
// once the window has elapsed.
package ratelimit

import (
	"sync"
	"time"
)

// Rule defines a rate limiting policy: the maximum number of requests allowed
// in the window, and the window duration. A zero Rule disables limiting.
type Rule struct {
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Enabled reports whether the rule limits anything.
func (r Rule) Enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

type window struct {
	count   int
	expires time.Time
}

// Limiter tracks per-identifier windows for one Rule. It is safe for
// concurrent use.
type Limiter struct {
	mu      sync.Mutex
	rule    Rule
	windows map[string]*window
	now     func() time.Time
}

// NewLimiter creates a Limiter enforcing rule.
func NewLimiter(rule Rule) *Limiter {
	return &Limiter{
		rule:    rule,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Rule returns the policy the limiter enforces.
func (l *Limiter) Rule() Rule {
	return l.rule
}

// Allow counts one request for identifier and reports whether it is within
// the limit. A disabled rule always allows.
func (l *Limiter) Allow(identifier string) bool {
	if !l.rule.Enabled() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[identifier]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(l.rule.Window)}
		l.windows[identifier] = w
	}
	w.count++
	return w.count <= l.rule.Limit
}

// Remaining returns the number of requests identifier has left in the
// current window. Returns the full limit if no window is open.
func (l *Limiter) Remaining(identifier string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identifier]
	if !ok || !l.now().Before(w.expires) {
		return l.rule.Limit
	}
	remaining := l.rule.Limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Forget drops the window for identifier.
func (l *Limiter) Forget(identifier string) {
	l.mu.Lock()
	delete(l.windows, identifier)
	l.mu.Unlock()
}

// Len returns the number of open windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
