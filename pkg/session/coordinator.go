// Package session orchestrates the per-thread messaging core: key
// management, the message ledger, typing presence and the realtime
// transport, exposed to the UI layer as reactive snapshots.
package session

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/confchat/confchat/pkg/channel"
	"github.com/confchat/confchat/pkg/crypto"
	"github.com/confchat/confchat/pkg/ledger"
	"github.com/confchat/confchat/pkg/presence"
	"github.com/confchat/confchat/pkg/protocol"
	"github.com/confchat/confchat/pkg/state"
)

var (
	ErrThreadNotOpen  = errors.New("thread is not open")
	ErrUnknownLocalID = errors.New("unknown local message ID")
	ErrClosed         = errors.New("coordinator is closed")
)

// Coordinator wires the KeyStore, per-thread ledgers, presence tracker and
// realtime transport together. All mutations for one thread are serialized
// through that thread's event loop; different threads proceed independently.
type Coordinator struct {
	cfg       TOMLConfig
	transport channel.Transport
	keys      *crypto.KeyStore
	presence  *presence.Tracker
	store     *state.Store // optional read-state persistence
	userID    uint64

	mu        sync.Mutex
	threads   map[uint64]*threadSession
	connState channel.State
	connSubs  map[int]func(channel.State)
	nextSubID int
	closed    bool

	logger     *log.Logger
	clock      func() time.Time
	newLocalID func() string

	pingNonce uint64 // Only touched by the run loop

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// threadSession holds the per-thread actor loop and its resources. The
// session survives CloseThread so already-received messages stay cached;
// only the subscription and retry timers are released.
type threadSession struct {
	id     uint64
	ledger *ledger.Ledger
	open   bool

	events chan func()

	retryMu     sync.Mutex
	retryTimers map[string]*time.Timer

	ledgerSubs   map[int]func([]ledger.Message)
	presenceSubs map[int]func([]uint64)
}

// NewCoordinator creates a coordinator for the given user over the given
// transport. Call Start to begin processing; the transport is started too.
func NewCoordinator(cfg TOMLConfig, transport channel.Transport, keys *crypto.KeyStore, userID uint64) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		transport:  transport,
		keys:       keys,
		presence:   presence.NewTracker(),
		userID:     userID,
		threads:    make(map[uint64]*threadSession),
		connState:  channel.StateDisconnected,
		connSubs:   make(map[int]func(channel.State)),
		clock:      time.Now,
		newLocalID: uuid.NewString,
		shutdown:   make(chan struct{}),
	}
}

// SetLogger sets a logger for debugging coordinator events
func (c *Coordinator) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetStateStore attaches optional persistence for read positions and
// connection history. Message plaintext is never written to it.
func (c *Coordinator) SetStateStore(store *state.Store) {
	c.store = store
}

// SetClock replaces the time source (tests).
func (c *Coordinator) SetClock(now func() time.Time) {
	c.clock = now
	c.presence.SetClock(now)
}

// SetLocalIDGenerator replaces the localID source (tests).
func (c *Coordinator) SetLocalIDGenerator(gen func() string) {
	c.newLocalID = gen
}

func (c *Coordinator) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Start launches the transport and the coordinator's event loop.
func (c *Coordinator) Start() {
	if c.store != nil {
		if stored := c.store.GetUserID(); stored == nil {
			if err := c.store.SetUserID(&c.userID); err != nil {
				c.logf("failed to persist user id: %v", err)
			}
		} else if *stored != c.userID {
			c.logf("state store was created for user %d, now serving user %d", *stored, c.userID)
		}
		if ts := c.store.GetLastSeenTimestamp(); ts > 0 {
			c.logf("last session seen at %s", time.Unix(ts, 0).Format(time.RFC3339))
		}
	}

	c.transport.Start()
	c.presence.StartSweeping(c.cfg.SweepInterval())
	c.wg.Add(1)
	go c.run()
}

// Close shuts everything down. Pending retry timers are cancelled; messages
// already handed to the transport are not recalled.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := make([]*threadSession, 0, len(c.threads))
	for _, ts := range c.threads {
		sessions = append(sessions, ts)
	}
	c.mu.Unlock()

	close(c.shutdown)
	for _, ts := range sessions {
		ts.cancelAllRetries()
	}
	c.presence.Stop()
	c.transport.Close()
	c.wg.Wait()
}

// run consumes transport events and routes them to per-thread loops.
func (c *Coordinator) run() {
	defer c.wg.Done()

	incoming := c.transport.Incoming()
	states := c.transport.StateChanges()
	transportErrs := c.transport.Errors()

	interval := c.cfg.Keepalive()
	if interval <= 0 {
		def := DefaultTOMLConfig()
		interval = def.Keepalive()
	}
	keepalive := time.NewTicker(interval)
	defer keepalive.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case frame, ok := <-incoming:
			if !ok {
				return
			}
			c.handleFrame(frame)
		case update, ok := <-states:
			if !ok {
				return
			}
			c.handleStateChange(update)
		case <-keepalive.C:
			c.sendKeepalive()
		case err, ok := <-transportErrs:
			if !ok {
				return
			}
			c.logf("transport: %v", err)
		}
	}
}

// sendKeepalive pings the server over a live connection so half-dead links
// are detected between messages. While disconnected the tick is skipped;
// queueing pings behind a reconnect would just flush stale nonces.
func (c *Coordinator) sendKeepalive() {
	if c.transport.State() != channel.StateConnected {
		return
	}
	c.pingNonce++
	msg := &protocol.PingMessage{Nonce: c.pingNonce}
	payload, err := msg.Encode()
	if err != nil {
		return
	}
	c.transport.Publish(0, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypePing,
		Payload: payload,
	})
	if c.store != nil {
		if err := c.store.UpdateLastSeenTimestamp(); err != nil {
			c.logf("failed to update last seen: %v", err)
		}
	}
}

// OpenThread attaches a thread for live updates: ensures its key exists,
// subscribes the transport, and starts the thread's event loop. Idempotent.
func (c *Coordinator) OpenThread(threadID uint64) error {
	// Key derivation first: without key material the thread cannot carry
	// encrypted traffic, and the error must surface rather than degrade
	// to plaintext
	if _, err := c.keys.GetOrCreateThreadKey(threadID); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	ts := c.ensureSessionLocked(threadID)
	alreadyOpen := ts.open
	ts.open = true
	c.mu.Unlock()

	if !alreadyOpen {
		c.transport.Subscribe(threadID)
		c.logf("thread %d opened", threadID)
	}
	return nil
}

// CloseThread detaches a thread. Cached messages are kept for the session;
// retry timers for its outbound queue are cancelled.
func (c *Coordinator) CloseThread(threadID uint64) {
	c.mu.Lock()
	ts, ok := c.threads[threadID]
	if !ok || !ts.open {
		c.mu.Unlock()
		return
	}
	ts.open = false
	c.mu.Unlock()

	c.transport.Unsubscribe(threadID)
	ts.cancelAllRetries()
	c.presence.ClearThread(threadID)
	c.logf("thread %d closed", threadID)
}

// IsOpen reports whether a thread is currently attached.
func (c *Coordinator) IsOpen(threadID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.threads[threadID]
	return ok && ts.open
}

// Send encrypts plaintext at the thread's current key epoch, appends a
// Pending entry and publishes it. Returns the generated localID. The call
// never blocks on the network; the outcome arrives as ledger state changes.
func (c *Coordinator) Send(threadID uint64, plaintext []byte) (string, error) {
	c.mu.Lock()
	ts, ok := c.threads[threadID]
	open := ok && ts.open
	c.mu.Unlock()
	if !open {
		return "", ErrThreadNotOpen
	}

	tk, err := c.keys.GetOrCreateThreadKey(threadID)
	if err != nil {
		return "", err
	}

	localID := c.newLocalID()
	msg := &ledger.Message{
		LocalID:   localID,
		ThreadID:  threadID,
		SenderID:  c.userID,
		Plaintext: plaintext,
		CreatedAt: c.clock(),
		State:     ledger.StatePending,
		KeyEpoch:  tk.Epoch,
	}
	entry, _ := ts.ledger.Append(msg)

	c.publishEntry(ts, *entry)
	c.notifyLedger(ts)
	return localID, nil
}

// Resend re-enters a Failed message into the pipeline with the same
// localID, so a retry can never duplicate.
func (c *Coordinator) Resend(threadID uint64, localID string) error {
	c.mu.Lock()
	ts, ok := c.threads[threadID]
	open := ok && ts.open
	c.mu.Unlock()
	if !open {
		return ErrThreadNotOpen
	}

	entry, err := ts.ledger.Resubmit(localID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownLocalID) {
			return ErrUnknownLocalID
		}
		return err
	}

	c.publishEntry(ts, *entry)
	c.notifyLedger(ts)
	return nil
}

// SetTyping signals that the local user is composing in a thread.
func (c *Coordinator) SetTyping(threadID uint64) error {
	if !c.IsOpen(threadID) {
		return ErrThreadNotOpen
	}
	msg := &protocol.TypingStartMessage{ThreadID: threadID}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	c.transport.Publish(threadID, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypeTypingStart,
		Payload: payload,
	})
	return nil
}

// StopTyping signals that the local user stopped composing.
func (c *Coordinator) StopTyping(threadID uint64) error {
	if !c.IsOpen(threadID) {
		return ErrThreadNotOpen
	}
	msg := &protocol.TypingStopMessage{ThreadID: threadID}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	c.transport.Publish(threadID, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypeTypingStop,
		Payload: payload,
	})
	return nil
}

// MarkRead records that the user has read the thread up to the given server
// position: others' messages become Read locally, the position is persisted
// if a state store is attached, and a read receipt goes out.
func (c *Coordinator) MarkRead(threadID, upToServerID uint64) error {
	c.mu.Lock()
	ts, ok := c.threads[threadID]
	open := ok && ts.open
	c.mu.Unlock()
	if !open {
		return ErrThreadNotOpen
	}

	if ts.ledger.ApplyReadReceipt(upToServerID, c.userID) > 0 {
		c.notifyLedger(ts)
	}

	if c.store != nil {
		if err := c.store.UpdateReadState(threadID, int64(upToServerID)); err != nil {
			c.logf("failed to persist read state for thread %d: %v", threadID, err)
		}
	}

	msg := &protocol.ReadUpToMessage{ThreadID: threadID, UpToServerID: upToServerID}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	c.transport.Publish(threadID, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypeReadUpTo,
		Payload: payload,
	})
	return nil
}

// Ledger returns an ordered snapshot of a thread's messages.
func (c *Coordinator) Ledger(threadID uint64) []ledger.Message {
	c.mu.Lock()
	ts, ok := c.threads[threadID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return ts.ledger.Snapshot()
}

// ActiveTypists returns the participants currently composing in a thread.
func (c *Coordinator) ActiveTypists(threadID uint64) []uint64 {
	return c.presence.ActiveTypists(threadID)
}

// Connectivity returns the last observed transport state.
func (c *Coordinator) Connectivity() channel.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// SubscribeLedger registers a callback invoked with an ordered snapshot
// after every change to the thread's ledger. Returns an unsubscribe func.
// Callbacks run on internal goroutines and must not block.
func (c *Coordinator) SubscribeLedger(threadID uint64, fn func([]ledger.Message)) func() {
	c.mu.Lock()
	ts := c.ensureSessionLocked(threadID)
	id := c.nextSubID
	c.nextSubID++
	ts.ledgerSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(ts.ledgerSubs, id)
		c.mu.Unlock()
	}
}

// SubscribePresence registers a callback invoked with the set of active
// typists after every presence change in the thread.
func (c *Coordinator) SubscribePresence(threadID uint64, fn func([]uint64)) func() {
	c.mu.Lock()
	ts := c.ensureSessionLocked(threadID)
	id := c.nextSubID
	c.nextSubID++
	ts.presenceSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(ts.presenceSubs, id)
		c.mu.Unlock()
	}
}

// SubscribeConnectivity registers a callback invoked on every transport
// state change.
func (c *Coordinator) SubscribeConnectivity(fn func(channel.State)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.connSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.connSubs, id)
		c.mu.Unlock()
	}
}

// ensureSessionLocked creates the thread session (closed, cached) if
// needed and starts its event loop. Caller holds c.mu.
func (c *Coordinator) ensureSessionLocked(threadID uint64) *threadSession {
	ts, ok := c.threads[threadID]
	if ok {
		return ts
	}
	ts = &threadSession{
		id:           threadID,
		ledger:       ledger.New(threadID),
		events:       make(chan func(), 64),
		retryTimers:  make(map[string]*time.Timer),
		ledgerSubs:   make(map[int]func([]ledger.Message)),
		presenceSubs: make(map[int]func([]uint64)),
	}
	c.threads[threadID] = ts

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.shutdown:
				return
			case fn := <-ts.events:
				fn()
			}
		}
	}()
	return ts
}

// dispatch routes fn to the thread's event loop, serializing it with every
// other mutation for that thread.
func (c *Coordinator) dispatch(ts *threadSession, fn func()) {
	select {
	case ts.events <- fn:
	case <-c.shutdown:
	}
}

func (c *Coordinator) session(threadID uint64) *threadSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads[threadID]
}

// publishEntry encrypts the entry at its recorded epoch, publishes it and
// arms the ack timer. Encryption failures mark the entry Failed instead of
// ever sending plaintext.
func (c *Coordinator) publishEntry(ts *threadSession, e ledger.Message) {
	tk, err := c.keys.KeyForEpoch(e.ThreadID, e.KeyEpoch)
	if err != nil {
		ts.ledger.MarkFailed(e.LocalID, err.Error())
		return
	}
	ct, err := crypto.EncryptMessage(tk.Key[:], e.Plaintext)
	if err != nil {
		ts.ledger.MarkFailed(e.LocalID, err.Error())
		return
	}

	msg := &protocol.PostMessageMessage{
		ThreadID:   e.ThreadID,
		LocalID:    e.LocalID,
		KeyEpoch:   e.KeyEpoch,
		CreatedAt:  e.CreatedAt.UnixMilli(),
		Ciphertext: ct,
	}
	payload, err := msg.Encode()
	if err != nil {
		ts.ledger.MarkFailed(e.LocalID, err.Error())
		return
	}

	c.transport.Publish(e.ThreadID, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.TypePostMessage,
		Flags:   protocol.FlagEncrypted,
		Payload: payload,
	})
	c.armAckTimer(ts, e.LocalID)
}

// armAckTimer schedules the ack timeout for a pending send. The timer is
// cancelled by the server ack or by CloseThread.
func (c *Coordinator) armAckTimer(ts *threadSession, localID string) {
	timer := time.AfterFunc(c.cfg.AckTimeout(), func() {
		c.dispatch(ts, func() {
			c.handleAckTimeout(ts, localID)
		})
	})
	ts.setRetryTimer(localID, timer)
}

// handleAckTimeout runs on the thread's event loop when a send saw no ack
// within the window. Bounded automatic retries keep the same localID; once
// exhausted the entry stays Failed until an explicit Resend.
func (c *Coordinator) handleAckTimeout(ts *threadSession, localID string) {
	ts.clearRetryTimer(localID)

	entry, ok := ts.ledger.Get(localID)
	if !ok || entry.State != ledger.StatePending {
		return
	}

	// While the link is down the frame is still waiting in the transport
	// queue; the ack window only counts against a live connection
	if c.transport.State() != channel.StateConnected {
		c.armAckTimer(ts, localID)
		return
	}

	if entry.Attempts > c.cfg.Delivery.MaxAutoRetries {
		ts.ledger.MarkFailed(localID, "no ack within timeout")
		c.logf("message %s failed after %d attempts", localID, entry.Attempts)
		c.notifyLedger(ts)
		return
	}

	// Automatic retry with the same localID
	ts.ledger.MarkFailed(localID, "ack timeout")
	retried, err := ts.ledger.Resubmit(localID)
	if err != nil {
		c.notifyLedger(ts)
		return
	}
	c.logf("retrying message %s (attempt %d)", localID, retried.Attempts)
	c.publishEntry(ts, *retried)
	c.notifyLedger(ts)
}

// connectionInfo is implemented by transports that can describe their
// endpoint; the realtime channel does, test doubles need not.
type connectionInfo interface {
	GetAddress() string
	GetConnectionType() string
}

func (c *Coordinator) handleStateChange(update channel.StateUpdate) {
	c.mu.Lock()
	c.connState = update.State
	subs := make([]func(channel.State), 0, len(c.connSubs))
	for _, fn := range c.connSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	if update.State == channel.StateConnected && c.store != nil {
		if info, ok := c.transport.(connectionInfo); ok {
			if err := c.store.SaveSuccessfulConnection(info.GetAddress(), info.GetConnectionType()); err != nil {
				c.logf("failed to record connection: %v", err)
			}
		}
		if err := c.store.UpdateLastSeenTimestamp(); err != nil {
			c.logf("failed to update last seen: %v", err)
		}
	}

	c.logf("connectivity: %s", update.State)
	for _, fn := range subs {
		fn(update.State)
	}
}

// handleFrame decodes an inbound frame and routes it to the owning thread's
// event loop. Unknown threads and malformed payloads are logged and
// dropped; duplicates are absorbed downstream by the ledger.
func (c *Coordinator) handleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeMessageAck:
		msg := &protocol.MessageAckMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			c.logf("bad MESSAGE_ACK: %v", err)
			return
		}
		ts := c.session(msg.ThreadID)
		if ts == nil {
			return
		}
		c.dispatch(ts, func() {
			ts.clearRetryTimer(msg.LocalID)
			if ts.ledger.Reconcile(msg.LocalID, msg.ServerID, ledger.StateSent, nil) != nil {
				c.notifyLedger(ts)
			}
		})

	case protocol.TypeNewMessage:
		msg := &protocol.NewMessageMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			c.logf("bad NEW_MESSAGE: %v", err)
			return
		}
		ts := c.session(msg.ThreadID)
		if ts == nil {
			c.logf("message for unknown thread %d dropped", msg.ThreadID)
			return
		}
		c.dispatch(ts, func() {
			c.handleNewMessage(ts, msg)
		})

	case protocol.TypeDeliveryReceipt:
		msg := &protocol.DeliveryReceiptMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			c.logf("bad DELIVERY_RECEIPT: %v", err)
			return
		}
		if msg.RecipientID == c.userID {
			return // Echo of our own receipt
		}
		ts := c.session(msg.ThreadID)
		if ts == nil {
			return
		}
		c.dispatch(ts, func() {
			if ts.ledger.ApplyDeliveryReceipt(msg.UpToServerID, c.userID) > 0 {
				c.notifyLedger(ts)
			}
		})

	case protocol.TypeReadReceipt:
		msg := &protocol.ReadReceiptMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			c.logf("bad READ_RECEIPT: %v", err)
			return
		}
		ts := c.session(msg.ThreadID)
		if ts == nil {
			return
		}
		c.dispatch(ts, func() {
			if ts.ledger.ApplyReadReceipt(msg.UpToServerID, msg.ReaderID) > 0 {
				c.notifyLedger(ts)
			}
		})

	case protocol.TypeTypingState:
		msg := &protocol.TypingStateMessage{}
		if err := msg.Decode(frame.Payload); err != nil {
			c.logf("bad TYPING_STATE: %v", err)
			return
		}
		if msg.UserID == c.userID {
			return // Our own signal echoed back
		}
		ts := c.session(msg.ThreadID)
		if ts == nil {
			return
		}
		c.dispatch(ts, func() {
			if msg.Typing {
				ttl := c.cfg.TypingTTL()
				if msg.TTLMillis > 0 {
					ttl = time.Duration(msg.TTLMillis) * time.Millisecond
				}
				c.presence.SetTyping(msg.ThreadID, msg.UserID, ttl)
			} else {
				c.presence.ClearTyping(msg.ThreadID, msg.UserID)
			}
			c.notifyPresence(ts)
		})

	case protocol.TypeServerConfig:
		msg := &protocol.ServerConfigMessage{}
		if err := msg.Decode(frame.Payload); err == nil {
			c.logf("server config: protocol v%d", msg.ProtocolVersion)
		}

	case protocol.TypePong:
		msg := &protocol.PongMessage{}
		if err := msg.Decode(frame.Payload); err == nil {
			c.logf("pong nonce=%d", msg.Nonce)
		}

	case protocol.TypeError:
		msg := &protocol.ErrorMessage{}
		if err := msg.Decode(frame.Payload); err == nil {
			c.logf("server error %d: %s", msg.Code, msg.Message)
		}

	default:
		c.logf("unhandled frame type 0x%02X", frame.Type)
	}
}

// handleNewMessage runs on the thread's event loop. Decryption uses the
// epoch recorded in the envelope, which may predate the current epoch after
// a rotation. Undecryptable messages become visible placeholders rather
// than being dropped.
func (c *Coordinator) handleNewMessage(ts *threadSession, msg *protocol.NewMessageMessage) {
	fill := &ledger.Message{
		ThreadID:  msg.ThreadID,
		SenderID:  msg.SenderID,
		CreatedAt: time.UnixMilli(msg.CreatedAt),
		KeyEpoch:  msg.KeyEpoch,
	}

	tk, err := c.keys.KeyForEpoch(msg.ThreadID, msg.KeyEpoch)
	if err == nil {
		var plaintext []byte
		plaintext, err = crypto.DecryptMessage(tk.Key[:], msg.Ciphertext)
		if err == nil {
			fill.Plaintext = plaintext
		}
	}
	if err != nil {
		c.logf("cannot decrypt message %s in thread %d: %v", msg.LocalID, msg.ThreadID, err)
		fill.Undecryptable = true
		fill.Ciphertext = msg.Ciphertext
	}

	state := ledger.StateDelivered
	if msg.SenderID == c.userID {
		// Our own message echoed back (possibly from another device):
		// reconcile into the existing entry instead of duplicating
		state = ledger.StateSent
		ts.clearRetryTimer(msg.LocalID)
	}

	ts.ledger.Reconcile(msg.LocalID, msg.ServerID, state, fill)

	// Acknowledge receipt so the sender's Delivered state can advance
	if msg.SenderID != c.userID && c.isOpenSession(ts) {
		ack := &protocol.DeliveredUpToMessage{ThreadID: msg.ThreadID, UpToServerID: msg.ServerID}
		if payload, err := ack.Encode(); err == nil {
			c.transport.Publish(msg.ThreadID, &protocol.Frame{
				Version: protocol.ProtocolVersion,
				Type:    protocol.TypeDeliveredUpTo,
				Payload: payload,
			})
		}
	}

	c.notifyLedger(ts)
}

func (c *Coordinator) isOpenSession(ts *threadSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ts.open
}

func (c *Coordinator) notifyLedger(ts *threadSession) {
	c.mu.Lock()
	subs := make([]func([]ledger.Message), 0, len(ts.ledgerSubs))
	for _, fn := range ts.ledgerSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	snapshot := ts.ledger.Snapshot()
	for _, fn := range subs {
		fn(snapshot)
	}
}

func (c *Coordinator) notifyPresence(ts *threadSession) {
	c.mu.Lock()
	subs := make([]func([]uint64), 0, len(ts.presenceSubs))
	for _, fn := range ts.presenceSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	typists := c.presence.ActiveTypists(ts.id)
	for _, fn := range subs {
		fn(typists)
	}
}

func (ts *threadSession) setRetryTimer(localID string, timer *time.Timer) {
	ts.retryMu.Lock()
	defer ts.retryMu.Unlock()
	if old, ok := ts.retryTimers[localID]; ok {
		old.Stop()
	}
	ts.retryTimers[localID] = timer
}

func (ts *threadSession) clearRetryTimer(localID string) {
	ts.retryMu.Lock()
	defer ts.retryMu.Unlock()
	if timer, ok := ts.retryTimers[localID]; ok {
		timer.Stop()
		delete(ts.retryTimers, localID)
	}
}

func (ts *threadSession) cancelAllRetries() {
	ts.retryMu.Lock()
	defer ts.retryMu.Unlock()
	for localID, timer := range ts.retryTimers {
		timer.Stop()
		delete(ts.retryTimers, localID)
	}
}
