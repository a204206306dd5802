// Package ratelimit implements per-connection message budgets with
// violation escalation: a token bucket caps the per-second rate, repeated
// rejections convert into a hard, timed block, and idle entries are
// pruned by a periodic sweep.
//
// The Limiter is deliberately not safe for concurrent use. Its single
// owner is the broker core's worker loop, which also drives the sweep, so
// no other goroutine ever touches the table.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Config defines the limiter's thresholds.
type Config struct {
	// MessagesPerSecond caps the sustained per-connection message rate.
	MessagesPerSecond rate.Limit
	// Burst is the token bucket capacity.
	Burst int
	// MaxViolations is the number of rejected messages that converts
	// into a hard block.
	MaxViolations int
	// BlockDuration is how long a blocked connection stays blocked.
	BlockDuration time.Duration
	// IdleTTL is how long an untouched entry survives before the sweep
	// prunes it.
	IdleTTL time.Duration
	// Enabled determines if rate limiting is active.
	Enabled bool
}

// DefaultConfig returns the production thresholds: 10 messages/second,
// 3 violations before blocking, 5 minute block, 10 minute idle prune.
func DefaultConfig() Config {
	return Config{
		MessagesPerSecond: 10,
		Burst:             10,
		MaxViolations:     3,
		BlockDuration:     5 * time.Minute,
		IdleTTL:           10 * time.Minute,
		Enabled:           true,
	}
}

// Disabled returns a configuration with rate limiting turned off.
func Disabled() Config {
	return Config{Enabled: false}
}

// Verdict is the outcome of one Allow call.
type Verdict int

const (
	// Allowed means the message may be processed.
	Allowed Verdict = iota
	// Limited means the per-second cap was exceeded; the message is
	// rejected and a violation recorded.
	Limited
	// Blocked means the connection is inside a hard block window.
	Blocked
)

type entry struct {
	bucket       *rate.Limiter
	violations   int
	blockedUntil time.Time
	lastSeen     time.Time
}

// Limiter tracks one entry per connection id, created lazily on first
// Allow and pruned by Sweep after IdleTTL of inactivity.
type Limiter struct {
	cfg     Config
	entries map[string]*entry
	now     func() time.Time
}

// New creates a limiter with the given thresholds.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow records one message attempt for the connection id and returns
// the verdict. Violations accumulate across windows and only reset once
// a block window has fully elapsed.
func (l *Limiter) Allow(id string) Verdict {
	if !l.cfg.Enabled {
		return Allowed
	}

	now := l.now()
	e, ok := l.entries[id]
	if !ok {
		e = &entry{bucket: rate.NewLimiter(l.cfg.MessagesPerSecond, l.cfg.Burst)}
		l.entries[id] = e
	}
	e.lastSeen = now

	if !e.blockedUntil.IsZero() {
		if now.Before(e.blockedUntil) {
			return Blocked
		}
		// Block elapsed: counters and violations reset.
		e.blockedUntil = time.Time{}
		e.violations = 0
		e.bucket = rate.NewLimiter(l.cfg.MessagesPerSecond, l.cfg.Burst)
	}

	if e.bucket.AllowN(now, 1) {
		return Allowed
	}

	e.violations++
	if e.violations >= l.cfg.MaxViolations {
		e.blockedUntil = now.Add(l.cfg.BlockDuration)
		return Blocked
	}
	return Limited
}

// Forget drops the entry for a connection id, typically on unregister.
func (l *Limiter) Forget(id string) {
	delete(l.entries, id)
}

// Sweep prunes entries untouched for longer than IdleTTL and returns the
// number removed. A blocked entry is kept until its block has expired,
// even when idle.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	for id, e := range l.entries {
		if !e.blockedUntil.IsZero() && now.Before(e.blockedUntil) {
			continue
		}
		if now.Sub(e.lastSeen) > l.cfg.IdleTTL {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked entries.
func (l *Limiter) Len() int {
	return len(l.entries)
}
