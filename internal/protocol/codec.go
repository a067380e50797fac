package protocol

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the pre-shared mission key length in bytes.
	KeySize = chacha20poly1305.KeySize

	// MaxPayload bounds a single record payload. The downlink is
	// bandwidth-constrained; anything larger is split by the sender.
	MaxPayload = 60 * 1024

	recordHeaderLen = 1 + 4 + 2 // type, sequence, payload length
)

// Codec seals and opens wire frames with the pre-shared mission key.
// A frame is nonce || ciphertext where the plaintext record is
// [type: 1][sequence: 4 BE][length: 2 BE][payload: length bytes] and the
// AEAD tag trails the ciphertext.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a codec from a raw 32-byte mission key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// Encode serializes and seals one message into a wire frame.
func (c *Codec) Encode(t MessageType, seq uint32, payload []byte) ([]byte, error) {
	if !t.Valid() {
		return nil, ErrUnknownType
	}
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	record := make([]byte, recordHeaderLen+len(payload))
	record[0] = byte(t)
	binary.BigEndian.PutUint32(record[1:5], seq)
	binary.BigEndian.PutUint16(record[5:7], uint16(len(payload)))
	copy(record[recordHeaderLen:], payload)

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, record, nil), nil
}

// Decode opens and parses one wire frame. The authentication tag is
// verified before any field is interpreted; a tampered or mis-keyed frame
// yields ErrAuthFailed and nothing else. Decode has no side effects; at is
// the receive timestamp stamped onto the returned Message.
func (c *Codec) Decode(frameBytes []byte, at time.Time) (Message, error) {
	nonceSize := c.aead.NonceSize()
	if len(frameBytes) < nonceSize+c.aead.Overhead()+recordHeaderLen {
		return Message{}, ErrMalformed
	}
	record, err := c.aead.Open(nil, frameBytes[:nonceSize], frameBytes[nonceSize:], nil)
	if err != nil {
		return Message{}, ErrAuthFailed
	}
	if len(record) < recordHeaderLen {
		return Message{}, ErrMalformed
	}

	t := MessageType(record[0])
	if !t.Valid() {
		return Message{}, ErrUnknownType
	}
	seq := binary.BigEndian.Uint32(record[1:5])
	length := int(binary.BigEndian.Uint16(record[5:7]))
	if len(record)-recordHeaderLen != length {
		return Message{}, ErrMalformed
	}

	payload := make([]byte, length)
	copy(payload, record[recordHeaderLen:])
	return Message{Type: t, Seq: seq, Payload: payload, Timestamp: at}, nil
}
