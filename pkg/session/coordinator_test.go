package session

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confchat/confchat/pkg/channel"
	"github.com/confchat/confchat/pkg/crypto"
	"github.com/confchat/confchat/pkg/ledger"
	"github.com/confchat/confchat/pkg/protocol"
	"github.com/confchat/confchat/pkg/state"
)

const testUserID = uint64(1)

type fixture struct {
	transport *channel.MockTransport
	keys      *crypto.KeyStore
	coord     *Coordinator
}

func testCoordinatorConfig() TOMLConfig {
	cfg := DefaultTOMLConfig()
	cfg.Delivery.AckTimeoutMs = 150
	cfg.Delivery.MaxAutoRetries = 1
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	kp, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	keys := crypto.NewKeyStore()
	require.NoError(t, keys.Init(kp.PrivateKey[:]))

	transport := channel.NewMockTransport()
	coord := NewCoordinator(testCoordinatorConfig(), transport, keys, testUserID)

	var n int
	var mu sync.Mutex
	coord.SetLocalIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("loc-%03d", n)
	})
	coord.Start()
	t.Cleanup(coord.Close)

	return &fixture{transport: transport, keys: keys, coord: coord}
}

func (f *fixture) inject(t *testing.T, msgType uint8, msg protocol.ProtocolMessage) {
	t.Helper()
	payload, err := msg.Encode()
	require.NoError(t, err)
	f.transport.Inject(&protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    msgType,
		Payload: payload,
	})
}

// encryptFor produces ciphertext the coordinator's keystore can open.
func (f *fixture) encryptFor(t *testing.T, threadID uint64, plaintext []byte) []byte {
	t.Helper()
	tk, err := f.keys.GetOrCreateThreadKey(threadID)
	require.NoError(t, err)
	ct, err := crypto.EncryptMessage(tk.Key[:], plaintext)
	require.NoError(t, err)
	return ct
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (f *fixture) waitForState(t *testing.T, threadID uint64, localID string, want ledger.State) {
	t.Helper()
	waitFor(t, func() bool {
		for _, m := range f.coord.Ledger(threadID) {
			if m.LocalID == localID && m.State == want {
				return true
			}
		}
		return false
	}, fmt.Sprintf("message %s never reached state %v", localID, want))
}

func TestOpenThreadRequiresKeyMaterial(t *testing.T) {
	transport := channel.NewMockTransport()
	coord := NewCoordinator(testCoordinatorConfig(), transport, crypto.NewKeyStore(), testUserID)
	coord.Start()
	defer coord.Close()

	err := coord.OpenThread(1)
	assert.ErrorIs(t, err, crypto.ErrNotInitialized)
	assert.False(t, transport.Subscribed(1))
}

func TestSendRequiresOpenThread(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Send(1, []byte("hello"))
	assert.ErrorIs(t, err, ErrThreadNotOpen)
}

// The full outbound lifecycle: composed offline, queued, flushed on
// reconnect, acknowledged, delivered, read.
func TestSendLifecycle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.OpenThread(5))
	assert.True(t, f.transport.Subscribed(5))

	localID, err := f.coord.Send(5, []byte("did the agenda change?"))
	require.NoError(t, err)

	// Offline: entry is Pending, frame waits in the transport queue
	f.waitForState(t, 5, localID, ledger.StatePending)
	assert.Equal(t, 1, f.transport.QueueDepth())

	f.transport.SetConnected(true)
	waitFor(t, func() bool { return f.transport.QueueDepth() == 0 }, "queue never flushed")

	published := f.transport.PublishedFrames()
	require.Len(t, published, 1)
	require.Equal(t, uint8(protocol.TypePostMessage), published[0].Frame.Type)

	post := &protocol.PostMessageMessage{}
	require.NoError(t, post.Decode(published[0].Frame.Payload))
	assert.Equal(t, localID, post.LocalID)

	// The wire carries ciphertext that opens with the thread key
	tk, err := f.keys.KeyForEpoch(5, post.KeyEpoch)
	require.NoError(t, err)
	plaintext, err := crypto.DecryptMessage(tk.Key[:], post.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("did the agenda change?"), plaintext)

	f.inject(t, protocol.TypeMessageAck, &protocol.MessageAckMessage{
		ThreadID: 5, LocalID: localID, ServerID: 11, ServerTime: time.Now().UnixMilli(),
	})
	f.waitForState(t, 5, localID, ledger.StateSent)

	f.inject(t, protocol.TypeDeliveryReceipt, &protocol.DeliveryReceiptMessage{
		ThreadID: 5, RecipientID: 2, UpToServerID: 11,
	})
	f.waitForState(t, 5, localID, ledger.StateDelivered)

	f.inject(t, protocol.TypeReadReceipt, &protocol.ReadReceiptMessage{
		ThreadID: 5, ReaderID: 2, UpToServerID: 11,
	})
	f.waitForState(t, 5, localID, ledger.StateRead)
}

func TestInboundMessageDecryptsAndConfirmsDelivery(t *testing.T) {
	f := newFixture(t)
	f.transport.SetConnected(true)
	require.NoError(t, f.coord.OpenThread(3))

	ct := f.encryptFor(t, 3, []byte("room B instead"))
	incoming := &protocol.NewMessageMessage{
		ThreadID:   3,
		ServerID:   21,
		SenderID:   2,
		LocalID:    "remote-1",
		KeyEpoch:   0,
		CreatedAt:  time.Now().UnixMilli(),
		Ciphertext: ct,
	}
	f.inject(t, protocol.TypeNewMessage, incoming)
	f.waitForState(t, 3, "remote-1", ledger.StateDelivered)

	msgs := f.coord.Ledger(3)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("room B instead"), msgs[0].Plaintext)
	assert.False(t, msgs[0].Undecryptable)

	// The coordinator confirms receipt on the sender's behalf
	waitFor(t, func() bool {
		for _, typ := range f.transport.PublishedTypes() {
			if typ == protocol.TypeDeliveredUpTo {
				return true
			}
		}
		return false
	}, "no delivery confirmation published")

	// At-least-once transport: the duplicate changes nothing
	f.inject(t, protocol.TypeNewMessage, incoming)
	waitFor(t, func() bool { return len(f.coord.Ledger(3)) == 1 }, "duplicate created an extra entry")
}

func TestInboundUnknownEpochBecomesPlaceholder(t *testing.T) {
	f := newFixture(t)
	f.transport.SetConnected(true)
	require.NoError(t, f.coord.OpenThread(3))

	f.inject(t, protocol.TypeNewMessage, &protocol.NewMessageMessage{
		ThreadID:   3,
		ServerID:   22,
		SenderID:   2,
		LocalID:    "remote-2",
		KeyEpoch:   9, // Sender rotated far ahead of us
		CreatedAt:  time.Now().UnixMilli(),
		Ciphertext: []byte{1, 2, 3, 4},
	})
	f.waitForState(t, 3, "remote-2", ledger.StateDelivered)

	msgs := f.coord.Ledger(3)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Undecryptable, "unreadable message must stay visible as a placeholder")
	assert.Nil(t, msgs[0].Plaintext)
	assert.Equal(t, []byte{1, 2, 3, 4}, msgs[0].Ciphertext)
}

func TestAckTimeoutRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	f.transport.SetConnected(true)
	require.NoError(t, f.coord.OpenThread(1))

	localID, err := f.coord.Send(1, []byte("anyone there?"))
	require.NoError(t, err)

	// No ack ever arrives: one automatic retry, then Failed
	f.waitForState(t, 1, localID, ledger.StateFailed)

	postCount := 0
	for _, typ := range f.transport.PublishedTypes() {
		if typ == protocol.TypePostMessage {
			postCount++
		}
	}
	assert.Equal(t, 2, postCount, "expected the original send plus one automatic retry")

	got, ok := f.coord.Ledger(1), false
	for _, m := range got {
		if m.LocalID == localID {
			ok = true
			assert.Equal(t, 2, m.Attempts)
			assert.NotEmpty(t, m.FailReason)
		}
	}
	require.True(t, ok)

	// Explicit resend re-enters the pipeline with the same localID
	require.NoError(t, f.coord.Resend(1, localID))
	f.waitForState(t, 1, localID, ledger.StatePending)

	f.inject(t, protocol.TypeMessageAck, &protocol.MessageAckMessage{
		ThreadID: 1, LocalID: localID, ServerID: 30,
	})
	f.waitForState(t, 1, localID, ledger.StateSent)

	assert.Len(t, f.coord.Ledger(1), 1, "retries must never duplicate the message")
}

func TestResendRejectsUnknownLocalID(t *testing.T) {
	f := newFixture(t)
	f.transport.SetConnected(true)
	require.NoError(t, f.coord.OpenThread(1))

	assert.ErrorIs(t, f.coord.Resend(1, "no-such-id"), ErrUnknownLocalID)
}

func TestTypingStateTracksRemoteParticipants(t *testing.T) {
	f := newFixture(t)
	f.transport.SetConnected(true)
	require.NoError(t, f.coord.OpenThread(2))

	f.inject(t, protocol.TypeTypingState, &protocol.TypingStateMessage{
		ThreadID: 2, UserID: 7, Typing: true, TTLMillis: 60000,
	})
	waitFor(t, func() bool {
		typists := f.coord.ActiveTypists(2)
		return len(typists) == 1 && typists[0] == 7
	}, "remote typist never appeared")

	// Our own echoed signal is ignored
	f.inject(t, protocol.TypeTypingState, &protocol.TypingStateMessage{
		ThreadID: 2, UserID: testUserID, Typing: true, TTLMillis: 60000,
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []uint64{7}, f.coord.ActiveTypists(2))

	f.inject(t, protocol.TypeTypingState, &protocol.TypingStateMessage{
		ThreadID: 2, UserID: 7, Typing: false,
	})
	waitFor(t, func() bool { return len(f.coord.ActiveTypists(2)) == 0 }, "stop signal never cleared typist")
}

func TestSetTypingPublishesSignals(t *testing.T) {
	f := newFixture(t)
	f.transport.SetConnected(true)
	require.NoError(t, f.coord.OpenThread(2))

	require.NoError(t, f.coord.SetTyping(2))
	require.NoError(t, f.coord.StopTyping(2))

	types := f.transport.PublishedTypes()
	assert.Contains(t, types, uint8(protocol.TypeTypingStart))
	assert.Contains(t, types, uint8(protocol.TypeTypingStop))

	assert.ErrorIs(t, f.coord.SetTyping(99), ErrThreadNotOpen)
}

func TestMarkReadAdvancesOthersMessagesAndPublishes(t *testing.T) {
	f := newFixture(t)
	f.transport.SetConnected(true)
	require.NoError(t, f.coord.OpenThread(4))

	for i, localID := range []string{"r-1", "r-2"} {
		f.inject(t, protocol.TypeNewMessage, &protocol.NewMessageMessage{
			ThreadID:   4,
			ServerID:   uint64(i + 1),
			SenderID:   2,
			LocalID:    localID,
			CreatedAt:  time.Now().UnixMilli(),
			Ciphertext: f.encryptFor(t, 4, []byte("msg")),
		})
	}
	f.waitForState(t, 4, "r-2", ledger.StateDelivered)

	require.NoError(t, f.coord.MarkRead(4, 2))
	f.waitForState(t, 4, "r-1", ledger.StateRead)
	f.waitForState(t, 4, "r-2", ledger.StateRead)

	waitFor(t, func() bool {
		for _, typ := range f.transport.PublishedTypes() {
			if typ == protocol.TypeReadUpTo {
				return true
			}
		}
		return false
	}, "no read position published")
}

func TestCloseThreadRetainsCachedLedger(t *testing.T) {
	f := newFixture(t)
	f.transport.SetConnected(true)
	require.NoError(t, f.coord.OpenThread(6))

	f.inject(t, protocol.TypeNewMessage, &protocol.NewMessageMessage{
		ThreadID:   6,
		ServerID:   1,
		SenderID:   2,
		LocalID:    "keep-me",
		CreatedAt:  time.Now().UnixMilli(),
		Ciphertext: f.encryptFor(t, 6, []byte("still here")),
	})
	f.waitForState(t, 6, "keep-me", ledger.StateDelivered)

	f.coord.CloseThread(6)
	assert.False(t, f.transport.Subscribed(6))
	assert.False(t, f.coord.IsOpen(6))

	msgs := f.coord.Ledger(6)
	require.Len(t, msgs, 1, "cached messages must survive CloseThread")
	assert.Equal(t, "keep-me", msgs[0].LocalID)

	// Reopening resubscribes without losing anything
	require.NoError(t, f.coord.OpenThread(6))
	assert.True(t, f.transport.Subscribed(6))
	assert.Len(t, f.coord.Ledger(6), 1)
}

func TestSubscribeLedgerNotifiesOnChange(t *testing.T) {
	f := newFixture(t)
	f.transport.SetConnected(true)
	require.NoError(t, f.coord.OpenThread(8))

	var mu sync.Mutex
	var last []ledger.Message
	unsubscribe := f.coord.SubscribeLedger(8, func(snapshot []ledger.Message) {
		mu.Lock()
		last = snapshot
		mu.Unlock()
	})
	defer unsubscribe()

	_, err := f.coord.Send(8, []byte("observable"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1
	}, "ledger subscriber never notified")
}

func TestSubscribeConnectivityNotifies(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var states []channel.State
	unsubscribe := f.coord.SubscribeConnectivity(func(s channel.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	defer unsubscribe()

	f.transport.SetConnected(true)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == channel.StateConnected
	}, "connectivity subscriber never notified")
	assert.Equal(t, channel.StateConnected, f.coord.Connectivity())
}

func TestKeepalivePingsOnlyWhileConnected(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.Transport.KeepaliveMs = 30

	kp, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	keys := crypto.NewKeyStore()
	require.NoError(t, keys.Init(kp.PrivateKey[:]))

	transport := channel.NewMockTransport()
	coord := NewCoordinator(cfg, transport, keys, testUserID)
	coord.Start()
	defer coord.Close()

	// Disconnected ticks are skipped entirely, not queued
	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, transport.PublishedTypes())
	assert.Equal(t, 0, transport.QueueDepth())

	transport.SetConnected(true)
	waitFor(t, func() bool {
		for _, typ := range transport.PublishedTypes() {
			if typ == protocol.TypePing {
				return true
			}
		}
		return false
	}, "no keepalive ping published over live connection")

	for _, pf := range transport.PublishedFrames() {
		if pf.Frame.Type != protocol.TypePing {
			continue
		}
		msg := &protocol.PingMessage{}
		require.NoError(t, msg.Decode(pf.Frame.Payload))
		assert.Positive(t, msg.Nonce)
		break
	}
}

func TestStateStoreRecordsSessionMetadata(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "client.db")
	store, err := state.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	kp, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	keys := crypto.NewKeyStore()
	require.NoError(t, keys.Init(kp.PrivateKey[:]))

	transport := channel.NewMockTransport()
	coord := NewCoordinator(testCoordinatorConfig(), transport, keys, testUserID)
	coord.SetStateStore(store)
	coord.Start()
	defer coord.Close()

	stored := store.GetUserID()
	require.NotNil(t, stored)
	assert.Equal(t, testUserID, *stored)

	transport.SetConnected(true)
	waitFor(t, func() bool {
		method, err := store.GetLastSuccessfulMethod("mock://test")
		return err == nil && method == "mock"
	}, "successful connection never recorded")
	assert.Positive(t, store.GetLastSeenTimestamp())
}
