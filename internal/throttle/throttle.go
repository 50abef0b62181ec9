// Package throttle rate-limits repeated alerts for the same ride.
package throttle

import (
	"sync"
	"time"
)

const DefaultCooldown = 15 * time.Second

// Throttle permits at most one alert per ride per cooldown window. A ride
// that has never alerted is always allowed, so the first entry into
// deviation is reported immediately.
type Throttle struct {
	mu       sync.Mutex
	last     map[string]time.Time
	cooldown time.Duration
}

func New(cooldown time.Duration) *Throttle {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Throttle{last: make(map[string]time.Time), cooldown: cooldown}
}

func (t *Throttle) Allow(rideID string) bool { return t.AllowAt(rideID, time.Now()) }

// AllowAt reports whether an alert may fire at now and records it if so.
func (t *Throttle) AllowAt(rideID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[rideID]; ok && now.Sub(last) < t.cooldown {
		return false
	}
	t.last[rideID] = now
	return true
}

// Restore seeds the ride's last alert time, used when a ride is reloaded
// from the store so a recent alert still counts against the cooldown.
func (t *Throttle) Restore(rideID string, last time.Time) {
	t.mu.Lock()
	if prev, ok := t.last[rideID]; !ok || last.After(prev) {
		t.last[rideID] = last
	}
	t.mu.Unlock()
}

// Forget drops the ride's history once the ride is gone.
func (t *Throttle) Forget(rideID string) {
	t.mu.Lock()
	delete(t.last, rideID)
	t.mu.Unlock()
}

func (t *Throttle) Cooldown() time.Duration { return t.cooldown }
