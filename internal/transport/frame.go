// Package transport implements the length-prefixed TCP protocol spoken by
// broker EAs: uint32 big-endian length followed by a UTF-8 JSON body.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes bounds a single frame body.
const DefaultMaxFrameBytes = 1 << 20

// ErrFrameTooLarge marks a frame whose declared length exceeds the limit.
// The connection must be dropped; the stream cannot be resynchronised.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, body []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, buffering partial reads until
// the body is complete.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if int(length) > maxBytes {
		return nil, fmt.Errorf("declared length %d: %w", length, ErrFrameTooLarge)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}
