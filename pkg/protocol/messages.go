package protocol

import (
	"bytes"
	"io"
)

// ProtocolMessage interface - all protocol messages must implement this
type ProtocolMessage interface {
	// Encode serializes the message to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the message directly to a writer (efficient)
	EncodeTo(w io.Writer) error
	// Decode deserializes the message from bytes
	Decode(payload []byte) error
}

// Message type constants (Client → Server)
const (
	TypePing              = 0x01
	TypeSubscribeThread   = 0x02
	TypeUnsubscribeThread = 0x03
	TypePostMessage       = 0x04
	TypeTypingStart       = 0x05
	TypeTypingStop        = 0x06
	TypeReadUpTo          = 0x07
	TypeDeliveredUpTo     = 0x08
)

// Message type constants (Server → Client)
const (
	TypeServerConfig    = 0x81
	TypePong            = 0x82
	TypeSubscribeOk     = 0x83
	TypeMessageAck      = 0x84
	TypeNewMessage      = 0x85
	TypeDeliveryReceipt = 0x86
	TypeReadReceipt     = 0x87
	TypeTypingState     = 0x88
	TypeError           = 0x91
)

// PingMessage (0x01) - Keepalive probe
type PingMessage struct {
	Nonce uint64
}

func (m *PingMessage) EncodeTo(w io.Writer) error {
	return WriteUint64(w, m.Nonce)
}

func (m *PingMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PingMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	nonce, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	m.Nonce = nonce
	return nil
}

// PongMessage (0x82) - Keepalive response
type PongMessage struct {
	Nonce uint64
}

func (m *PongMessage) EncodeTo(w io.Writer) error {
	return WriteUint64(w, m.Nonce)
}

func (m *PongMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PongMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	nonce, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	m.Nonce = nonce
	return nil
}

// ServerConfigMessage (0x81) - First message sent by the server after connect
type ServerConfigMessage struct {
	ProtocolVersion  uint8
	MaxMessageLength uint32
	TypingTTLMillis  uint32
}

func (m *ServerConfigMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, m.ProtocolVersion); err != nil {
		return err
	}
	if err := WriteUint32(w, m.MaxMessageLength); err != nil {
		return err
	}
	return WriteUint32(w, m.TypingTTLMillis)
}

func (m *ServerConfigMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ServerConfigMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	version, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	maxLen, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	ttl, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	m.ProtocolVersion = version
	m.MaxMessageLength = maxLen
	m.TypingTTLMillis = ttl
	return nil
}

// SubscribeThreadMessage (0x02) - Attach to a thread for live updates
type SubscribeThreadMessage struct {
	ThreadID uint64
}

func (m *SubscribeThreadMessage) EncodeTo(w io.Writer) error {
	return WriteUint64(w, m.ThreadID)
}

func (m *SubscribeThreadMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *SubscribeThreadMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	return nil
}

// UnsubscribeThreadMessage (0x03) - Detach from a thread
type UnsubscribeThreadMessage struct {
	ThreadID uint64
}

func (m *UnsubscribeThreadMessage) EncodeTo(w io.Writer) error {
	return WriteUint64(w, m.ThreadID)
}

func (m *UnsubscribeThreadMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UnsubscribeThreadMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	return nil
}

// SubscribeOkMessage (0x83) - Subscription confirmed
type SubscribeOkMessage struct {
	ThreadID uint64
}

func (m *SubscribeOkMessage) EncodeTo(w io.Writer) error {
	return WriteUint64(w, m.ThreadID)
}

func (m *SubscribeOkMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *SubscribeOkMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	return nil
}

// PostMessageMessage (0x04) - Send an encrypted message to a thread.
// LocalID is the client-generated dedup key; it is stable across retries so
// the server can drop duplicate submissions.
type PostMessageMessage struct {
	ThreadID   uint64
	LocalID    string
	KeyEpoch   uint32
	CreatedAt  int64 // Unix milliseconds, client clock
	Ciphertext []byte
}

func (m *PostMessageMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.ThreadID); err != nil {
		return err
	}
	if err := WriteString(w, m.LocalID); err != nil {
		return err
	}
	if err := WriteUint32(w, m.KeyEpoch); err != nil {
		return err
	}
	if err := WriteInt64(w, m.CreatedAt); err != nil {
		return err
	}
	return WriteBytes(w, m.Ciphertext)
}

func (m *PostMessageMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PostMessageMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	localID, err := ReadString(buf)
	if err != nil {
		return err
	}
	epoch, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	createdAt, err := ReadInt64(buf)
	if err != nil {
		return err
	}
	ciphertext, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	m.LocalID = localID
	m.KeyEpoch = epoch
	m.CreatedAt = createdAt
	m.Ciphertext = ciphertext
	return nil
}

// MessageAckMessage (0x84) - Server acknowledgment of a posted message
type MessageAckMessage struct {
	ThreadID   uint64
	LocalID    string
	ServerID   uint64
	ServerTime int64 // Unix milliseconds
}

func (m *MessageAckMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.ThreadID); err != nil {
		return err
	}
	if err := WriteString(w, m.LocalID); err != nil {
		return err
	}
	if err := WriteUint64(w, m.ServerID); err != nil {
		return err
	}
	return WriteInt64(w, m.ServerTime)
}

func (m *MessageAckMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *MessageAckMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	localID, err := ReadString(buf)
	if err != nil {
		return err
	}
	serverID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	serverTime, err := ReadInt64(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	m.LocalID = localID
	m.ServerID = serverID
	m.ServerTime = serverTime
	return nil
}

// NewMessageMessage (0x85) - A message posted to a subscribed thread.
// The server echoes the sender's own messages back with the original
// LocalID so every device can reconcile instead of duplicating.
type NewMessageMessage struct {
	ThreadID   uint64
	ServerID   uint64
	SenderID   uint64
	LocalID    string
	KeyEpoch   uint32
	CreatedAt  int64 // Unix milliseconds
	Ciphertext []byte
}

func (m *NewMessageMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.ThreadID); err != nil {
		return err
	}
	if err := WriteUint64(w, m.ServerID); err != nil {
		return err
	}
	if err := WriteUint64(w, m.SenderID); err != nil {
		return err
	}
	if err := WriteString(w, m.LocalID); err != nil {
		return err
	}
	if err := WriteUint32(w, m.KeyEpoch); err != nil {
		return err
	}
	if err := WriteInt64(w, m.CreatedAt); err != nil {
		return err
	}
	return WriteBytes(w, m.Ciphertext)
}

func (m *NewMessageMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *NewMessageMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	serverID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	senderID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	localID, err := ReadString(buf)
	if err != nil {
		return err
	}
	epoch, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	createdAt, err := ReadInt64(buf)
	if err != nil {
		return err
	}
	ciphertext, err := ReadBytes(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	m.ServerID = serverID
	m.SenderID = senderID
	m.LocalID = localID
	m.KeyEpoch = epoch
	m.CreatedAt = createdAt
	m.Ciphertext = ciphertext
	return nil
}

// DeliveredUpToMessage (0x08) - Client reports messages received on-device
type DeliveredUpToMessage struct {
	ThreadID     uint64
	UpToServerID uint64
}

func (m *DeliveredUpToMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.ThreadID); err != nil {
		return err
	}
	return WriteUint64(w, m.UpToServerID)
}

func (m *DeliveredUpToMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *DeliveredUpToMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	upTo, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	m.UpToServerID = upTo
	return nil
}

// DeliveryReceiptMessage (0x86) - A recipient device received messages
type DeliveryReceiptMessage struct {
	ThreadID     uint64
	RecipientID  uint64
	UpToServerID uint64
}

func (m *DeliveryReceiptMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.ThreadID); err != nil {
		return err
	}
	if err := WriteUint64(w, m.RecipientID); err != nil {
		return err
	}
	return WriteUint64(w, m.UpToServerID)
}

func (m *DeliveryReceiptMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *DeliveryReceiptMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	recipientID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	upTo, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	m.RecipientID = recipientID
	m.UpToServerID = upTo
	return nil
}

// ReadUpToMessage (0x07) - Client reports the user has read messages
type ReadUpToMessage struct {
	ThreadID     uint64
	UpToServerID uint64
}

func (m *ReadUpToMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.ThreadID); err != nil {
		return err
	}
	return WriteUint64(w, m.UpToServerID)
}

func (m *ReadUpToMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ReadUpToMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	upTo, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	m.UpToServerID = upTo
	return nil
}

// ReadReceiptMessage (0x87) - A participant read messages in a thread
type ReadReceiptMessage struct {
	ThreadID     uint64
	ReaderID     uint64
	UpToServerID uint64
}

func (m *ReadReceiptMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.ThreadID); err != nil {
		return err
	}
	if err := WriteUint64(w, m.ReaderID); err != nil {
		return err
	}
	return WriteUint64(w, m.UpToServerID)
}

func (m *ReadReceiptMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ReadReceiptMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	readerID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	upTo, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	m.ReaderID = readerID
	m.UpToServerID = upTo
	return nil
}

// TypingStartMessage (0x05) - Local user started composing
type TypingStartMessage struct {
	ThreadID uint64
}

func (m *TypingStartMessage) EncodeTo(w io.Writer) error {
	return WriteUint64(w, m.ThreadID)
}

func (m *TypingStartMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TypingStartMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	return nil
}

// TypingStopMessage (0x06) - Local user stopped composing
type TypingStopMessage struct {
	ThreadID uint64
}

func (m *TypingStopMessage) EncodeTo(w io.Writer) error {
	return WriteUint64(w, m.ThreadID)
}

func (m *TypingStopMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TypingStopMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	return nil
}

// TypingStateMessage (0x88) - A participant's composing state changed
type TypingStateMessage struct {
	ThreadID  uint64
	UserID    uint64
	Typing    bool
	TTLMillis uint32 // How long the signal stays valid without refresh
}

func (m *TypingStateMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.ThreadID); err != nil {
		return err
	}
	if err := WriteUint64(w, m.UserID); err != nil {
		return err
	}
	if err := WriteBool(w, m.Typing); err != nil {
		return err
	}
	return WriteUint32(w, m.TTLMillis)
}

func (m *TypingStateMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TypingStateMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	threadID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	userID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	typing, err := ReadBool(buf)
	if err != nil {
		return err
	}
	ttl, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	m.ThreadID = threadID
	m.UserID = userID
	m.Typing = typing
	m.TTLMillis = ttl
	return nil
}

// ErrorMessage (0x91) - Server-reported error
type ErrorMessage struct {
	Code    uint16
	Message string
}

func (m *ErrorMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.Code); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *ErrorMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ErrorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	msg, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Code = code
	m.Message = msg
	return nil
}
