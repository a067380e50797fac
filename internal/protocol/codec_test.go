package protocol

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func TestEncodeDecodeRoundTripAllTypes(t *testing.T) {
	c, err := NewCodec(testKey())
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	at := time.Unix(1700000000, 0)
	for mt := TypeStatus; mt <= TypePingAck; mt++ {
		payload := []byte{byte(mt), 0xde, 0xad}
		frameBytes, err := c.Encode(mt, uint32(mt)+10, payload)
		if err != nil {
			t.Fatalf("encode %v: %v", mt, err)
		}
		msg, err := c.Decode(frameBytes, at)
		if err != nil {
			t.Fatalf("decode %v: %v", mt, err)
		}
		if msg.Type != mt || msg.Seq != uint32(mt)+10 {
			t.Fatalf("header mismatch: %+v", msg)
		}
		if !bytes.Equal(msg.Payload, payload) {
			t.Fatalf("payload mismatch for %v: %x", mt, msg.Payload)
		}
		if !msg.Timestamp.Equal(at) {
			t.Fatalf("timestamp not stamped: %v", msg.Timestamp)
		}
	}
}

func TestDecodeTamperedFrameAuthFails(t *testing.T) {
	c, _ := NewCodec(testKey())
	frameBytes, err := c.Encode(TypeInit, 3, []byte{0x01})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := range frameBytes {
		tampered := make([]byte, len(frameBytes))
		copy(tampered, frameBytes)
		tampered[i] ^= 0x80
		if _, err := c.Decode(tampered, time.Now()); !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("byte %d: expected ErrAuthFailed, got %v", i, err)
		}
	}
}

func TestDecodeWrongKeyAuthFails(t *testing.T) {
	c1, _ := NewCodec(testKey())
	other := testKey()
	other[0] ^= 0xff
	c2, _ := NewCodec(other)

	frameBytes, err := c1.Encode(TypePing, 1, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c2.Decode(frameBytes, time.Now()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDecodeUnknownTypeRejected(t *testing.T) {
	c, _ := NewCodec(testKey())

	// Forge a sealed record with a type tag outside the closed set.
	record := []byte{0xee, 0, 0, 0, 1, 0, 0}
	nonce := make([]byte, c.aead.NonceSize())
	frameBytes := c.aead.Seal(nonce, nonce, record, nil)

	if _, err := c.Decode(frameBytes, time.Now()); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeLengthMismatchMalformed(t *testing.T) {
	c, _ := NewCodec(testKey())

	// Declared length 5, actual payload 2 bytes.
	record := []byte{byte(TypeData), 0, 0, 0, 1, 0, 5, 0xaa, 0xbb}
	nonce := make([]byte, c.aead.NonceSize())
	frameBytes := c.aead.Seal(nonce, nonce, record, nil)

	if _, err := c.Decode(frameBytes, time.Now()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeShortFrameMalformed(t *testing.T) {
	c, _ := NewCodec(testKey())
	if _, err := c.Decode([]byte{0x01, 0x02}, time.Now()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	c, _ := NewCodec(testKey())
	_, err := c.Encode(TypeImage, 1, make([]byte, MaxPayload+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestNewCodecBadKey(t *testing.T) {
	if _, err := NewCodec(make([]byte, 16)); !errors.Is(err, ErrBadKeySize) {
		t.Fatalf("expected ErrBadKeySize, got %v", err)
	}
}
