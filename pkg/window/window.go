// Package window decides which threads hold a live session at once. The
// desktop layout keeps a small fixed number of thread panes and evicts the
// least recently used one when the user opens more; the mobile layout shows
// a single thread at a time.
package window

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotOpen = errors.New("thread is not open in any window")
)

// DeviceClass selects the windowing policy.
type DeviceClass int

const (
	// Desktop keeps up to Capacity threads attached simultaneously.
	Desktop DeviceClass = iota
	// Mobile keeps exactly one thread attached.
	Mobile
)

func (d DeviceClass) String() string {
	switch d {
	case Desktop:
		return "desktop"
	case Mobile:
		return "mobile"
	default:
		return "unknown"
	}
}

// SessionControl is the slice of the session coordinator the window manager
// drives: attaching and detaching live thread sessions.
type SessionControl interface {
	OpenThread(threadID uint64) error
	CloseThread(threadID uint64)
}

// slot tracks one attached thread and when the user last interacted with it.
type slot struct {
	threadID   uint64
	lastActive time.Time
}

// Manager maps user navigation onto session attach/detach calls. When the
// desktop layout is full, opening another thread evicts the thread the user
// has interacted with least recently; the focused thread is never evicted.
type Manager struct {
	mu       sync.Mutex
	sessions SessionControl
	device   DeviceClass
	capacity int
	slots    []*slot
	focused  uint64 // 0 when nothing is focused
	now      func() time.Time
}

// NewManager creates a window manager over the given session control.
// capacity applies to the Desktop device class and must be at least 1.
func NewManager(sessions SessionControl, device DeviceClass, capacity int) *Manager {
	if capacity < 1 {
		capacity = 1
	}
	return &Manager{
		sessions: sessions,
		device:   device,
		capacity: capacity,
		now:      time.Now,
	}
}

// SetClock replaces the time source (tests).
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// RequestOpen attaches a thread, evicting another if the layout is full.
// The newly opened thread receives focus. Opening an already-open thread
// just focuses it.
func (m *Manager) RequestOpen(threadID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.findLocked(threadID); s != nil {
		s.lastActive = m.now()
		m.focused = threadID
		return nil
	}

	limit := m.capacity
	if m.device == Mobile {
		limit = 1
	}

	for len(m.slots) >= limit {
		victim := m.evictionCandidateLocked()
		if victim == nil {
			// Only the focused thread remains. The incoming thread takes
			// focus, so the current one gives way (single-pane mobile
			// navigation).
			victim = m.findLocked(m.focused)
			if victim == nil {
				break
			}
		}
		m.removeLocked(victim.threadID)
		if m.focused == victim.threadID {
			m.focused = 0
		}
		m.sessions.CloseThread(victim.threadID)
	}

	if err := m.sessions.OpenThread(threadID); err != nil {
		return err
	}
	m.slots = append(m.slots, &slot{threadID: threadID, lastActive: m.now()})
	m.focused = threadID
	return nil
}

// Close detaches a thread explicitly.
func (m *Manager) Close(threadID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findLocked(threadID) == nil {
		return ErrNotOpen
	}
	m.removeLocked(threadID)
	if m.focused == threadID {
		m.focused = 0
	}
	m.sessions.CloseThread(threadID)
	return nil
}

// Touch records user interaction with a thread (scrolling, composing),
// refreshing its position in the eviction order.
func (m *Manager) Touch(threadID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.findLocked(threadID)
	if s == nil {
		return ErrNotOpen
	}
	s.lastActive = m.now()
	return nil
}

// Focus moves keyboard focus to an open thread. The focused thread is
// immune to eviction.
func (m *Manager) Focus(threadID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.findLocked(threadID)
	if s == nil {
		return ErrNotOpen
	}
	s.lastActive = m.now()
	m.focused = threadID
	return nil
}

// Focused returns the focused thread ID, or 0 when nothing is focused.
func (m *Manager) Focused() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focused
}

// Open returns the attached thread IDs in attach order.
func (m *Manager) Open() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint64, len(m.slots))
	for i, s := range m.slots {
		ids[i] = s.threadID
	}
	return ids
}

// IsOpen reports whether a thread is currently attached.
func (m *Manager) IsOpen(threadID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(threadID) != nil
}

// SetDeviceClass switches the windowing policy at runtime (e.g. a
// responsive layout crossing the mobile breakpoint). Excess threads are
// detached least-recently-used first.
func (m *Manager) SetDeviceClass(device DeviceClass) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.device = device
	limit := m.capacity
	if device == Mobile {
		limit = 1
	}

	for len(m.slots) > limit {
		victim := m.evictionCandidateLocked()
		if victim == nil {
			break
		}
		m.removeLocked(victim.threadID)
		m.sessions.CloseThread(victim.threadID)
	}
}

// DeviceClass returns the active windowing policy.
func (m *Manager) DeviceClass() DeviceClass {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

func (m *Manager) findLocked(threadID uint64) *slot {
	for _, s := range m.slots {
		if s.threadID == threadID {
			return s
		}
	}
	return nil
}

func (m *Manager) removeLocked(threadID uint64) {
	for i, s := range m.slots {
		if s.threadID == threadID {
			m.slots = append(m.slots[:i], m.slots[i+1:]...)
			return
		}
	}
}

// evictionCandidateLocked picks the least recently used non-focused thread.
func (m *Manager) evictionCandidateLocked() *slot {
	var victim *slot
	for _, s := range m.slots {
		if s.threadID == m.focused {
			continue
		}
		if victim == nil || s.lastActive.Before(victim.lastActive) {
			victim = s
		}
	}
	return victim
}
