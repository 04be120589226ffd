// Package ratelimit implements external.RateLimit with the same
// sliding-window counter as the teacher's dashboard login limiter
// (internal/dashboard/auth.go RateLimiter), generalized from a single
// per-IP bucket to a (key, rule) bucket so the registration flow can
// apply distinct limits to "register.initiate" and "register.complete"
// without sharing state.
package ratelimit

import (
	"sync"
	"time"

	"github.com/fleetcontrol/control-plane/internal/external"
)

// Rule configures one named limit: at most Limit attempts per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Limiter is the production external.RateLimit.
type Limiter struct {
	mu       sync.Mutex
	rules    map[string]Rule
	attempts map[string][]time.Time
	clock    external.Clock
}

// New builds a Limiter with the given named rules. A rule not present in
// the map is always Allowed.
func New(rules map[string]Rule, clock external.Clock) *Limiter {
	if clock == nil {
		clock = external.SystemClock
	}
	return &Limiter{
		rules:    rules,
		attempts: make(map[string][]time.Time),
		clock:    clock,
	}
}

// Check records an attempt for (key, rule) and reports Deny once the
// rule's bucket is at capacity within its window.
func (l *Limiter) Check(key, rule string) external.RateLimitDecision {
	r, ok := l.rules[rule]
	if !ok {
		return external.Allow
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := rule + "|" + key
	now := l.clock.Now()
	cutoff := now.Add(-r.Window)

	var recent []time.Time
	for _, t := range l.attempts[bucket] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.Limit {
		l.attempts[bucket] = recent
		return external.Deny
	}

	l.attempts[bucket] = append(recent, now)
	return external.Allow
}

// Reset clears the bucket for (key, rule). It is not part of
// external.RateLimit, and the registration flow does not call it.
func (l *Limiter) Reset(key, rule string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, rule+"|"+key)
}
