package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

const lenPrefixSize = 4

var (
	ErrShortFrame    = errors.New("frame: short frame")
	ErrEmptyFrame    = errors.New("frame: empty frame")
	ErrFrameTooLarge = errors.New("frame: frame too large")
)

// Limits constrains frame read/write memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 1024 * 1024}
}

// Read reads one length-prefixed frame from the stream. The frame body is
// opaque here; decryption and parsing belong to the codec.
func Read(r io.Reader, limits Limits) ([]byte, error) {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > limits.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}
	return body, nil
}

// Write writes one length-prefixed frame to the stream.
func Write(w io.Writer, body []byte, limits Limits) error {
	if len(body) == 0 {
		return ErrEmptyFrame
	}
	if uint64(len(body)) > uint64(limits.MaxFrameBytes) {
		return ErrFrameTooLarge
	}
	var prefix [lenPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
