// Package presence tracks which participants are currently composing a
// message in each thread. Signals are ephemeral: they expire after a TTL
// and are never persisted.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Tracker holds per-thread typing signals with automatic expiry. Reads
// filter expired entries lazily, so correctness never depends on the
// background sweep having run.
type Tracker struct {
	mu      sync.Mutex
	typists map[uint64]map[uint64]time.Time // threadID → userID → expiresAt
	now     func() time.Time

	sweepOnce sync.Once
	stop      chan struct{}
}

// NewTracker creates an empty tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{
		typists: make(map[uint64]map[uint64]time.Time),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// SetClock replaces the time source. Tests use this to simulate expiry
// without sleeping.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// SetTyping inserts or refreshes a typing signal with expiresAt = now + ttl.
func (t *Tracker) SetTyping(threadID, userID uint64, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	thread, ok := t.typists[threadID]
	if !ok {
		thread = make(map[uint64]time.Time)
		t.typists[threadID] = thread
	}
	thread[userID] = t.now().Add(ttl)
}

// ClearTyping removes a participant's typing signal explicitly (stop event).
func (t *Tracker) ClearTyping(threadID, userID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if thread, ok := t.typists[threadID]; ok {
		delete(thread, userID)
		if len(thread) == 0 {
			delete(t.typists, threadID)
		}
	}
}

// ClearThread drops all signals for a thread (used when a thread closes).
func (t *Tracker) ClearThread(threadID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typists, threadID)
}

// ActiveTypists returns the participants currently typing in a thread,
// sorted for deterministic output. Expired entries are pruned on the way
// out even if no sweep has run.
func (t *Tracker) ActiveTypists(threadID uint64) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	thread, ok := t.typists[threadID]
	if !ok {
		return nil
	}

	now := t.now()
	var active []uint64
	for userID, expiresAt := range thread {
		if expiresAt.After(now) {
			active = append(active, userID)
		} else {
			delete(thread, userID)
		}
	}
	if len(thread) == 0 {
		delete(t.typists, threadID)
	}

	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	return active
}

// Sweep removes every expired signal across all threads.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for threadID, thread := range t.typists {
		for userID, expiresAt := range thread {
			if !expiresAt.After(now) {
				delete(thread, userID)
			}
		}
		if len(thread) == 0 {
			delete(t.typists, threadID)
		}
	}
}

// StartSweeping runs Sweep on the given interval until Stop is called.
// Starting twice is a no-op, as is a non-positive interval (lazy pruning
// on read still keeps results correct).
func (t *Tracker) StartSweeping(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					t.Sweep()
				case <-t.stop:
					return
				}
			}
		}()
	})
}

// Stop terminates the background sweep loop.
func (t *Tracker) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}
