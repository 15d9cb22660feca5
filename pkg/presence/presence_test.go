package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tracker := NewTracker()
	tracker.SetClock(clock.Now)
	return tracker, clock
}

func TestSetTypingAndExpiry(t *testing.T) {
	tracker, clock := newTestTracker()

	tracker.SetTyping(1, 100, 4*time.Second)
	assert.Equal(t, []uint64{100}, tracker.ActiveTypists(1))

	clock.Advance(3 * time.Second)
	assert.Equal(t, []uint64{100}, tracker.ActiveTypists(1))

	// TTL elapsed, signal gone without any sweep
	clock.Advance(2 * time.Second)
	assert.Empty(t, tracker.ActiveTypists(1))
}

func TestRefreshExtendsTTL(t *testing.T) {
	tracker, clock := newTestTracker()

	tracker.SetTyping(1, 100, 4*time.Second)
	clock.Advance(3 * time.Second)
	tracker.SetTyping(1, 100, 4*time.Second) // refresh

	clock.Advance(3 * time.Second)
	assert.Equal(t, []uint64{100}, tracker.ActiveTypists(1), "refreshed signal should outlive the original TTL")
}

func TestClearTypingRemovesImmediately(t *testing.T) {
	tracker, _ := newTestTracker()

	tracker.SetTyping(1, 100, time.Minute)
	tracker.ClearTyping(1, 100)
	assert.Empty(t, tracker.ActiveTypists(1))

	// Clearing an absent signal is harmless
	tracker.ClearTyping(1, 100)
	tracker.ClearTyping(99, 100)
}

func TestActiveTypistsSortedAndScopedToThread(t *testing.T) {
	tracker, _ := newTestTracker()

	tracker.SetTyping(1, 300, time.Minute)
	tracker.SetTyping(1, 100, time.Minute)
	tracker.SetTyping(1, 200, time.Minute)
	tracker.SetTyping(2, 999, time.Minute)

	assert.Equal(t, []uint64{100, 200, 300}, tracker.ActiveTypists(1))
	assert.Equal(t, []uint64{999}, tracker.ActiveTypists(2))
	assert.Empty(t, tracker.ActiveTypists(3))
}

func TestClearThread(t *testing.T) {
	tracker, _ := newTestTracker()

	tracker.SetTyping(1, 100, time.Minute)
	tracker.SetTyping(1, 200, time.Minute)
	tracker.SetTyping(2, 100, time.Minute)

	tracker.ClearThread(1)
	assert.Empty(t, tracker.ActiveTypists(1))
	assert.Equal(t, []uint64{100}, tracker.ActiveTypists(2), "other threads unaffected")
}

func TestSweepPrunesExpiredAcrossThreads(t *testing.T) {
	tracker, clock := newTestTracker()

	tracker.SetTyping(1, 100, 2*time.Second)
	tracker.SetTyping(2, 200, 10*time.Second)

	clock.Advance(5 * time.Second)
	tracker.Sweep()

	assert.Empty(t, tracker.ActiveTypists(1))
	assert.Equal(t, []uint64{200}, tracker.ActiveTypists(2))
}

func TestMixedExpiryWithinThread(t *testing.T) {
	tracker, clock := newTestTracker()

	tracker.SetTyping(1, 100, 2*time.Second)
	tracker.SetTyping(1, 200, 10*time.Second)

	clock.Advance(5 * time.Second)
	assert.Equal(t, []uint64{200}, tracker.ActiveTypists(1))
}

func TestStartSweepingIgnoresNonPositiveInterval(t *testing.T) {
	tracker, clock := newTestTracker()
	defer tracker.Stop()

	tracker.StartSweeping(0)
	tracker.StartSweeping(-time.Second)

	// Lazy pruning still applies without a sweep loop.
	tracker.SetTyping(1, 100, 2*time.Second)
	clock.Advance(5 * time.Second)
	assert.Empty(t, tracker.ActiveTypists(1))
}
