// Package ledger maintains the per-thread ordered, deduplicated log of
// messages and their delivery lifecycle states. The ledger is the single
// source of truth for what a thread view renders.
package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// State is a message's delivery lifecycle state.
type State int

const (
	StatePending State = iota
	StateSent
	StateDelivered
	StateRead
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownLocalID = errors.New("no message with that local ID")
	ErrNotFailed      = errors.New("message is not in failed state")
)

// Message is one entry in a thread's ledger. LocalID is the dedup key:
// the ledger never holds two entries with the same LocalID. Plaintext lives
// only in memory; it is never handed to persistence.
type Message struct {
	LocalID   string
	ServerID  uint64 // 0 until acknowledged
	ThreadID  uint64
	SenderID  uint64
	Plaintext []byte
	CreatedAt time.Time
	State     State
	KeyEpoch  uint32

	// Undecryptable marks an inbound message whose ciphertext could not be
	// opened. The entry stays visible as a placeholder instead of being
	// silently dropped; Ciphertext is retained for a later retry.
	Undecryptable bool
	Ciphertext    []byte

	FailReason string
	Attempts   int // Send attempts so far (retries keep the same LocalID)
}

// canAdvance reports whether a transition from -> to is allowed.
// Pending → {Sent|Failed} → Delivered → Read, Read terminal, Failed re-enters
// only via Resubmit.
func canAdvance(from, to State) bool {
	if from == StateRead {
		return false // Read is terminal
	}
	switch to {
	case StateSent:
		return from == StatePending
	case StateDelivered:
		return from == StatePending || from == StateSent
	case StateRead:
		return from != StateFailed
	case StateFailed:
		return from == StatePending
	default:
		return false
	}
}

// Ledger is the ordered message log for a single thread. Safe for
// concurrent use; ordering key is (CreatedAt, LocalID) so entries with
// colliding clocks still order deterministically.
type Ledger struct {
	mu       sync.RWMutex
	threadID uint64
	byLocal  map[string]*Message
	order    []*Message // sorted by (CreatedAt, LocalID)
}

// New creates an empty ledger for a thread.
func New(threadID uint64) *Ledger {
	return &Ledger{
		threadID: threadID,
		byLocal:  make(map[string]*Message),
	}
}

// ThreadID returns the thread this ledger belongs to.
func (l *Ledger) ThreadID() uint64 {
	return l.threadID
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Append inserts a new message. Idempotent on LocalID: if an entry already
// exists the existing one is returned untouched and appended reports false.
func (l *Ledger) Append(msg *Message) (*Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byLocal[msg.LocalID]; ok {
		return existing, false
	}

	entry := *msg
	if entry.Attempts == 0 && entry.State == StatePending {
		entry.Attempts = 1
	}
	l.insertLocked(&entry)
	return &entry, true
}

// Reconcile merges a server acknowledgment into the matching entry. If no
// entry exists (the message originated on another device or session), fill
// is inserted directly in the acknowledged state. State only ever advances;
// a duplicate ack for an already-reconciled LocalID is a no-op.
func (l *Ledger) Reconcile(localID string, serverID uint64, state State, fill *Message) *Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byLocal[localID]
	if !ok {
		if fill == nil {
			return nil
		}
		cp := *fill
		cp.LocalID = localID
		cp.ServerID = serverID
		cp.State = state
		l.insertLocked(&cp)
		return &cp
	}

	if entry.ServerID == 0 {
		entry.ServerID = serverID
	}
	if canAdvance(entry.State, state) {
		entry.State = state
	}
	if entry.Undecryptable && fill != nil && !fill.Undecryptable {
		// A later decryption attempt succeeded; replace the placeholder
		entry.Undecryptable = false
		entry.Plaintext = fill.Plaintext
		entry.Ciphertext = nil
	}
	return entry
}

// MarkFailed transitions a message to Failed with a reason. Already
// delivered or read messages are unaffected.
func (l *Ledger) MarkFailed(localID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byLocal[localID]
	if !ok {
		return ErrUnknownLocalID
	}
	if !canAdvance(entry.State, StateFailed) {
		return nil
	}
	entry.State = StateFailed
	entry.FailReason = reason
	return nil
}

// Resubmit re-enters a Failed message into the pipeline as Pending, keeping
// the same LocalID so a retry can never create a duplicate.
func (l *Ledger) Resubmit(localID string) (*Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byLocal[localID]
	if !ok {
		return nil, ErrUnknownLocalID
	}
	if entry.State != StateFailed {
		return nil, ErrNotFailed
	}
	entry.State = StatePending
	entry.FailReason = ""
	entry.Attempts++
	return entry, nil
}

// ApplyDeliveryReceipt marks the local user's acknowledged messages at or
// before the given server position as Delivered.
func (l *Ledger) ApplyDeliveryReceipt(upToServerID, localUserID uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	changed := 0
	for _, entry := range l.order {
		if entry.ServerID == 0 || entry.ServerID > upToServerID {
			continue
		}
		if entry.SenderID != localUserID {
			continue
		}
		if canAdvance(entry.State, StateDelivered) {
			entry.State = StateDelivered
			changed++
		}
	}
	return changed
}

// ApplyReadReceipt marks every message at or before the given server
// position, sent by any participant other than the reader, as Read.
// Monotonic: an already-Read message is never demoted.
func (l *Ledger) ApplyReadReceipt(upToServerID, readerID uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	changed := 0
	for _, entry := range l.order {
		if entry.ServerID == 0 || entry.ServerID > upToServerID {
			continue
		}
		if entry.SenderID == readerID {
			continue
		}
		if canAdvance(entry.State, StateRead) {
			entry.State = StateRead
			changed++
		}
	}
	return changed
}

// Get returns a copy of the entry with the given LocalID.
func (l *Ledger) Get(localID string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.byLocal[localID]
	if !ok {
		return Message{}, false
	}
	return *entry, true
}

// Snapshot returns an ordered copy of all entries for rendering. Callers
// may not mutate ledger state through the returned slice.
func (l *Ledger) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, len(l.order))
	for i, entry := range l.order {
		out[i] = *entry
	}
	return out
}

// LatestServerID returns the highest acknowledged server ID in the ledger.
func (l *Ledger) LatestServerID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var max uint64
	for _, entry := range l.order {
		if entry.ServerID > max {
			max = entry.ServerID
		}
	}
	return max
}

// insertLocked places the entry at its ordered position. Caller holds l.mu.
func (l *Ledger) insertLocked(entry *Message) {
	l.byLocal[entry.LocalID] = entry
	idx := sort.Search(len(l.order), func(i int) bool {
		return less(entry, l.order[i])
	})
	l.order = append(l.order, nil)
	copy(l.order[idx+1:], l.order[idx:])
	l.order[idx] = entry
}

// less orders by (CreatedAt, LocalID), tie-broken lexicographically by
// LocalID so clock collisions still produce a deterministic order.
func less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.LocalID < b.LocalID
}
