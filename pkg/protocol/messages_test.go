package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostMessageRoundTrip(t *testing.T) {
	original := &PostMessageMessage{
		ThreadID:   12345,
		LocalID:    "0b946a12-60c8-4bfb-a6ba-60a523c0f0a7",
		KeyEpoch:   3,
		CreatedAt:  1756500000123,
		Ciphertext: []byte{0xde, 0xad, 0xbe, 0xef},
	}

	payload, err := original.Encode()
	require.NoError(t, err)

	decoded := &PostMessageMessage{}
	require.NoError(t, decoded.Decode(payload))
	assert.Equal(t, original, decoded)
}

func TestNewMessageRoundTrip(t *testing.T) {
	original := &NewMessageMessage{
		ThreadID:   1,
		ServerID:   99,
		SenderID:   42,
		LocalID:    "local-1",
		KeyEpoch:   0,
		CreatedAt:  1756500000123,
		Ciphertext: []byte{1, 2, 3},
	}

	payload, err := original.Encode()
	require.NoError(t, err)

	decoded := &NewMessageMessage{}
	require.NoError(t, decoded.Decode(payload))
	assert.Equal(t, original, decoded)
}

func TestMessageAckRoundTrip(t *testing.T) {
	original := &MessageAckMessage{
		ThreadID:   7,
		LocalID:    "abc",
		ServerID:   1,
		ServerTime: -1, // Pre-epoch timestamps must survive
	}

	payload, err := original.Encode()
	require.NoError(t, err)

	decoded := &MessageAckMessage{}
	require.NoError(t, decoded.Decode(payload))
	assert.Equal(t, original, decoded)
}

func TestTypingStateRoundTrip(t *testing.T) {
	for _, typing := range []bool{true, false} {
		original := &TypingStateMessage{
			ThreadID:  5,
			UserID:    8,
			Typing:    typing,
			TTLMillis: 4000,
		}

		payload, err := original.Encode()
		require.NoError(t, err)

		decoded := &TypingStateMessage{}
		require.NoError(t, decoded.Decode(payload))
		assert.Equal(t, original, decoded)
	}
}

func TestReceiptsRoundTrip(t *testing.T) {
	read := &ReadReceiptMessage{ThreadID: 1, ReaderID: 2, UpToServerID: 300}
	payload, err := read.Encode()
	require.NoError(t, err)
	decodedRead := &ReadReceiptMessage{}
	require.NoError(t, decodedRead.Decode(payload))
	assert.Equal(t, read, decodedRead)

	delivery := &DeliveryReceiptMessage{ThreadID: 1, RecipientID: 2, UpToServerID: 300}
	payload, err = delivery.Encode()
	require.NoError(t, err)
	decodedDelivery := &DeliveryReceiptMessage{}
	require.NoError(t, decodedDelivery.Decode(payload))
	assert.Equal(t, delivery, decodedDelivery)
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	original := &PostMessageMessage{
		ThreadID:   1,
		LocalID:    "local",
		Ciphertext: []byte{1, 2, 3, 4},
	}
	payload, err := original.Encode()
	require.NoError(t, err)

	decoded := &PostMessageMessage{}
	assert.Error(t, decoded.Decode(payload[:len(payload)-2]))
	assert.Error(t, decoded.Decode(nil))
}

func TestWriteStringRejectsOversized(t *testing.T) {
	big := make([]byte, MaxStringLength+1)
	for i := range big {
		big[i] = 'a'
	}

	msg := &PostMessageMessage{ThreadID: 1, LocalID: string(big)}
	_, err := msg.Encode()
	assert.ErrorIs(t, err, ErrStringTooLong)
}
