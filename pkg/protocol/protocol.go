package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// HeaderSize is the width of the big-endian length prefix on every frame.
	HeaderSize = 4

	// MaxBroadcastSize bounds a discovery datagram (stay under a typical MTU).
	MaxBroadcastSize = 1024
)

// Unhandled is the response payload a device sends when no request handler is registered.
var Unhandled = []byte{0x00}

// IsUnhandled reports whether a response payload is the "no handler" sentinel.
func IsUnhandled(payload []byte) bool {
	return len(payload) == 1 && payload[0] == 0x00
}

// Encode prefixes payload with its length.
func Encode(payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// Decoder reassembles length-prefixed frames from arbitrarily split reads.
// It is not safe for concurrent use.
type Decoder struct {
	maxFrame int
	buf      []byte
	broken   bool
}

// NewDecoder returns a decoder rejecting payloads longer than maxFrame bytes.
func NewDecoder(maxFrame int) *Decoder {
	return &Decoder{maxFrame: maxFrame}
}

// Feed appends chunk and returns every frame that is now complete, in order.
// Once a length field exceeds the limit the decoder stays broken and every
// later call returns ErrFrameTooLarge; the connection must be torn down.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	if d.broken {
		return nil, ErrFrameTooLarge
	}
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for len(d.buf) >= HeaderSize {
		n := binary.BigEndian.Uint32(d.buf)
		if uint64(n) > uint64(d.maxFrame) {
			d.broken = true
			d.buf = nil
			return frames, fmt.Errorf("%w: length %d exceeds limit %d", ErrFrameTooLarge, n, d.maxFrame)
		}
		total := HeaderSize + int(n)
		if len(d.buf) < total {
			break
		}
		payload := make([]byte, n)
		copy(payload, d.buf[HeaderSize:total])
		frames = append(frames, payload)
		d.buf = d.buf[total:]
	}

	// Drop the consumed prefix so a long-lived stream does not pin old memory.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 2*len(d.buf)+4096 {
		d.buf = append([]byte(nil), d.buf...)
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any partial frame and clears the broken state.
func (d *Decoder) Reset() {
	d.buf = nil
	d.broken = false
}

// FormatBroadcast encodes a display name as a discovery datagram.
func FormatBroadcast(displayName string) []byte {
	return []byte(displayName)
}

// ParseBroadcast validates a discovery datagram and returns the display name.
func ParseBroadcast(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrMalformedBroadcast)
	}
	if len(data) > MaxBroadcastSize {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedBroadcast, len(data), MaxBroadcastSize)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: payload is not UTF-8", ErrMalformedBroadcast)
	}
	name := string(data)
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: blank display name", ErrMalformedBroadcast)
	}
	return name, nil
}
