package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock drives the limiter without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeLimiter(minInterval time.Duration, burst int) (*MirrorLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	l := NewMirrorLimiter(minInterval, burst)
	l.now = clock.now
	return l, clock
}

func TestMirrorLimiter_BurstThenThrottle(t *testing.T) {
	l, _ := newFakeLimiter(30*time.Second, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("run-1"), "burst token %d", i)
	}
	assert.False(t, l.Allow("run-1"))
}

func TestMirrorLimiter_RefillsOverTime(t *testing.T) {
	l, clock := newFakeLimiter(30*time.Second, 1)

	assert.True(t, l.Allow("run-1"))
	assert.False(t, l.Allow("run-1"))

	clock.advance(15 * time.Second)
	assert.False(t, l.Allow("run-1"))

	clock.advance(20 * time.Second)
	assert.True(t, l.Allow("run-1"))
}

func TestMirrorLimiter_RefillCappedAtBurst(t *testing.T) {
	l, clock := newFakeLimiter(30*time.Second, 2)

	assert.True(t, l.Allow("run-1"))
	assert.True(t, l.Allow("run-1"))

	// A long idle stretch banks at most the burst, not unlimited tokens.
	clock.advance(time.Hour)
	assert.True(t, l.Allow("run-1"))
	assert.True(t, l.Allow("run-1"))
	assert.False(t, l.Allow("run-1"))
}

func TestMirrorLimiter_RunsAreIndependent(t *testing.T) {
	l, _ := newFakeLimiter(30*time.Second, 1)

	assert.True(t, l.Allow("run-1"))
	assert.False(t, l.Allow("run-1"))
	assert.True(t, l.Allow("run-2"))
}

func TestMirrorLimiter_SeedDeniesFreshBurst(t *testing.T) {
	l, clock := newFakeLimiter(30*time.Second, 3)

	// A comment went out 10s before restart: less than one interval elapsed,
	// so the seeded bucket holds no whole token.
	l.Seed("run-1", clock.now().Add(-10*time.Second))
	assert.False(t, l.Allow("run-1"))

	clock.advance(25 * time.Second)
	assert.True(t, l.Allow("run-1"))
}

func TestMirrorLimiter_SeedZeroTimeIgnored(t *testing.T) {
	l, _ := newFakeLimiter(30*time.Second, 2)

	l.Seed("run-1", time.Time{})
	assert.True(t, l.Allow("run-1"))
	assert.True(t, l.Allow("run-1"))
}

func TestMirrorLimiter_ForgetResets(t *testing.T) {
	l, _ := newFakeLimiter(30*time.Second, 1)

	assert.True(t, l.Allow("run-1"))
	assert.False(t, l.Allow("run-1"))

	l.Forget("run-1")
	assert.True(t, l.Allow("run-1"))
}
