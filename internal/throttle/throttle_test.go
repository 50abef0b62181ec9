package throttle

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFirstAlertImmediate(t *testing.T) {
	th := New(15 * time.Second)
	now := time.Now()
	assert.True(t, th.AllowAt("r1", now))
	assert.False(t, th.AllowAt("r1", now.Add(time.Second)))
	assert.True(t, th.AllowAt("r2", now.Add(time.Second)), "rides are independent")
}

func TestCooldownBoundary(t *testing.T) {
	th := New(15 * time.Second)
	t0 := time.Unix(1_700_000_000, 0)
	assert.True(t, th.AllowAt("r", t0))
	assert.False(t, th.AllowAt("r", t0.Add(15*time.Second-time.Millisecond)))
	assert.True(t, th.AllowAt("r", t0.Add(15*time.Second)))
}

func TestOscillationIsBounded(t *testing.T) {
	const cooldown = 15 * time.Second
	th := New(cooldown)
	t0 := time.Unix(1_700_000_000, 0)
	alerts := 0
	for ms := 0; ms <= 60_000; ms += 250 {
		if th.AllowAt("r", t0.Add(time.Duration(ms)*time.Millisecond)) {
			alerts++
		}
	}
	limit := int(math.Ceil(60.0/15.0)) + 1
	if alerts > limit {
		t.Fatalf("expected at most %d alerts, got %d", limit, alerts)
	}
	assert.Equal(t, limit, alerts)
}

func TestForget(t *testing.T) {
	th := New(time.Hour)
	now := time.Now()
	assert.True(t, th.AllowAt("r", now))
	th.Forget("r")
	assert.True(t, th.AllowAt("r", now))
}

func TestDefaultCooldown(t *testing.T) {
	assert.Equal(t, DefaultCooldown, New(0).Cooldown())
}

func TestRestoreCountsAgainstCooldown(t *testing.T) {
	th := New(15 * time.Second)
	t0 := time.Unix(1_700_000_000, 0)
	th.Restore("r", t0)
	assert.False(t, th.AllowAt("r", t0.Add(5*time.Second)))
	assert.True(t, th.AllowAt("r", t0.Add(15*time.Second)))

	th.Restore("r", t0)
	assert.False(t, th.AllowAt("r", t0.Add(16*time.Second)), "older restore does not rewind")
}
