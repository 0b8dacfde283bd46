package realtime

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Limiter is a sliding-window rate limiter with per-key and global limits.
type Limiter struct {
	clock clock.Clock

	mu        sync.Mutex
	perKey    map[string][]time.Time
	global    []time.Time
	keyMax    int
	globalMax int
	window    time.Duration
}

// NewLimiter allows perKeyPerMin events per key and globalPerMin overall.
// A nil clock uses the wall clock.
func NewLimiter(perKeyPerMin, globalPerMin int, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		clock:     clk,
		perKey:    make(map[string][]time.Time),
		keyMax:    perKeyPerMin,
		globalMax: globalPerMin,
		window:    time.Minute,
	}
}

// Allow records one event for key and reports whether it is within limits.
func (r *Limiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	cutoff := now.Add(-r.window)

	r.global = pruneOld(r.global, cutoff)
	if len(r.global) >= r.globalMax {
		return false
	}

	r.perKey[key] = pruneOld(r.perKey[key], cutoff)
	if len(r.perKey[key]) >= r.keyMax {
		return false
	}

	r.global = append(r.global, now)
	r.perKey[key] = append(r.perKey[key], now)
	return true
}

// SetLimits changes both limits; history is kept.
func (r *Limiter) SetLimits(perKeyPerMin, globalPerMin int) {
	r.mu.Lock()
	r.keyMax = perKeyPerMin
	r.globalMax = globalPerMin
	r.mu.Unlock()
}

// Forget drops the history of key.
func (r *Limiter) Forget(key string) {
	r.mu.Lock()
	delete(r.perKey, key)
	r.mu.Unlock()
}

func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
