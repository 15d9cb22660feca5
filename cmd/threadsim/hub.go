package main

import (
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/confchat/confchat/pkg/protocol"
)

// hub is a minimal in-process server speaking the wire protocol over
// net.Pipe connections. It assigns server IDs, acks posts, and fans out
// messages, receipts and typing state to thread subscribers. Ciphertext
// passes through opaque; the hub never holds key material.
type hub struct {
	logger *log.Logger

	mu           sync.Mutex
	nextServerID uint64
	subs         map[uint64]map[uint64]*hubClient // threadID -> userID -> client
}

type hubClient struct {
	userID uint64
	conn   net.Conn

	writeMu sync.Mutex
}

func newHub(logger *log.Logger) *hub {
	return &hub{
		logger: logger,
		subs:   make(map[uint64]map[uint64]*hubClient),
	}
}

// connect returns the client half of a fresh pipe and starts serving the
// server half.
func (h *hub) connect(userID uint64) (net.Conn, error) {
	clientSide, serverSide := net.Pipe()
	hc := &hubClient{userID: userID, conn: serverSide}
	go h.serve(hc)
	return clientSide, nil
}

func (h *hub) serve(hc *hubClient) {
	defer h.dropClient(hc)

	hc.send(protocol.TypeServerConfig, &protocol.ServerConfigMessage{
		ProtocolVersion:  protocol.ProtocolVersion,
		MaxMessageLength: 4096,
		TypingTTLMillis:  4000,
	})

	for {
		frame, err := protocol.DecodeFrame(hc.conn)
		if err != nil {
			if err != io.EOF {
				h.logger.Printf("hub: user %d read error: %v", hc.userID, err)
			}
			return
		}
		h.handleFrame(hc, frame)
	}
}

func (h *hub) handleFrame(hc *hubClient, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypePing:
		msg := &protocol.PingMessage{}
		if msg.Decode(frame.Payload) == nil {
			hc.send(protocol.TypePong, &protocol.PongMessage{Nonce: msg.Nonce})
		}

	case protocol.TypeSubscribeThread:
		msg := &protocol.SubscribeThreadMessage{}
		if msg.Decode(frame.Payload) != nil {
			return
		}
		h.mu.Lock()
		if h.subs[msg.ThreadID] == nil {
			h.subs[msg.ThreadID] = make(map[uint64]*hubClient)
		}
		h.subs[msg.ThreadID][hc.userID] = hc
		h.mu.Unlock()
		hc.send(protocol.TypeSubscribeOk, &protocol.SubscribeOkMessage{ThreadID: msg.ThreadID})

	case protocol.TypeUnsubscribeThread:
		msg := &protocol.UnsubscribeThreadMessage{}
		if msg.Decode(frame.Payload) != nil {
			return
		}
		h.mu.Lock()
		delete(h.subs[msg.ThreadID], hc.userID)
		h.mu.Unlock()

	case protocol.TypePostMessage:
		msg := &protocol.PostMessageMessage{}
		if msg.Decode(frame.Payload) != nil {
			return
		}
		h.mu.Lock()
		h.nextServerID++
		serverID := h.nextServerID
		h.mu.Unlock()

		now := time.Now().UnixMilli()
		hc.send(protocol.TypeMessageAck, &protocol.MessageAckMessage{
			ThreadID:   msg.ThreadID,
			LocalID:    msg.LocalID,
			ServerID:   serverID,
			ServerTime: now,
		})
		h.broadcast(msg.ThreadID, hc.userID, protocol.TypeNewMessage, &protocol.NewMessageMessage{
			ThreadID:   msg.ThreadID,
			ServerID:   serverID,
			SenderID:   hc.userID,
			LocalID:    msg.LocalID,
			KeyEpoch:   msg.KeyEpoch,
			CreatedAt:  msg.CreatedAt,
			Ciphertext: msg.Ciphertext,
		})

	case protocol.TypeTypingStart:
		msg := &protocol.TypingStartMessage{}
		if msg.Decode(frame.Payload) != nil {
			return
		}
		h.broadcast(msg.ThreadID, hc.userID, protocol.TypeTypingState, &protocol.TypingStateMessage{
			ThreadID:  msg.ThreadID,
			UserID:    hc.userID,
			Typing:    true,
			TTLMillis: 4000,
		})

	case protocol.TypeTypingStop:
		msg := &protocol.TypingStopMessage{}
		if msg.Decode(frame.Payload) != nil {
			return
		}
		h.broadcast(msg.ThreadID, hc.userID, protocol.TypeTypingState, &protocol.TypingStateMessage{
			ThreadID: msg.ThreadID,
			UserID:   hc.userID,
			Typing:   false,
		})

	case protocol.TypeReadUpTo:
		msg := &protocol.ReadUpToMessage{}
		if msg.Decode(frame.Payload) != nil {
			return
		}
		h.broadcast(msg.ThreadID, hc.userID, protocol.TypeReadReceipt, &protocol.ReadReceiptMessage{
			ThreadID:     msg.ThreadID,
			ReaderID:     hc.userID,
			UpToServerID: msg.UpToServerID,
		})

	case protocol.TypeDeliveredUpTo:
		msg := &protocol.DeliveredUpToMessage{}
		if msg.Decode(frame.Payload) != nil {
			return
		}
		h.broadcast(msg.ThreadID, hc.userID, protocol.TypeDeliveryReceipt, &protocol.DeliveryReceiptMessage{
			ThreadID:     msg.ThreadID,
			RecipientID:  hc.userID,
			UpToServerID: msg.UpToServerID,
		})

	default:
		h.logger.Printf("hub: user %d sent unhandled type 0x%02X", hc.userID, frame.Type)
	}
}

// broadcast sends to every subscriber of the thread except the origin.
func (h *hub) broadcast(threadID, fromUserID uint64, msgType uint8, msg protocol.ProtocolMessage) {
	h.mu.Lock()
	targets := make([]*hubClient, 0, len(h.subs[threadID]))
	for userID, sub := range h.subs[threadID] {
		if userID == fromUserID {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.send(msgType, msg)
	}
}

func (h *hub) dropClient(hc *hubClient) {
	h.mu.Lock()
	for _, subs := range h.subs {
		if subs[hc.userID] == hc {
			delete(subs, hc.userID)
		}
	}
	h.mu.Unlock()
	hc.conn.Close()
}

func (hc *hubClient) send(msgType uint8, msg protocol.ProtocolMessage) {
	payload, err := msg.Encode()
	if err != nil {
		return
	}
	flags := uint8(0)
	if msgType == protocol.TypeNewMessage {
		flags = protocol.FlagEncrypted
	}
	hc.writeMu.Lock()
	defer hc.writeMu.Unlock()
	_ = protocol.EncodeFrame(hc.conn, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    msgType,
		Flags:   flags,
		Payload: payload,
	})
}
