package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 3, 1, 2, 3}, Encode([]byte{1, 2, 3}))
	assert.Equal(t, []byte{0, 0, 0, 0}, Encode(nil))
	assert.Equal(t, []byte{0, 0, 0, 1, 0}, Encode(Unhandled))
}

func TestDecoder_TwoFramesAnySplit(t *testing.T) {
	first := []byte{1, 2, 3}
	second := bytes.Repeat([]byte{9}, 300)
	stream := append(Encode(first), Encode(second)...)

	// Every pair of cut points splits the stream into three chunks.
	for i := 0; i <= len(stream); i += 7 {
		for j := i; j <= len(stream); j += 11 {
			d := NewDecoder(1024)
			var got [][]byte
			for _, chunk := range [][]byte{stream[:i], stream[i:j], stream[j:]} {
				frames, err := d.Feed(chunk)
				require.NoError(t, err)
				got = append(got, frames...)
			}
			require.Len(t, got, 2, "cuts at %d/%d", i, j)
			assert.Equal(t, first, got[0])
			assert.Equal(t, second, got[1])
			assert.Zero(t, d.Buffered())
		}
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	stream := append(Encode([]byte("hello")), Encode([]byte{})...)
	stream = append(stream, Encode([]byte("world"))...)

	d := NewDecoder(64)
	var got [][]byte
	for _, b := range stream {
		frames, err := d.Feed([]byte{b})
		require.NoError(t, err)
		got = append(got, frames...)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "hello", string(got[0]))
	assert.Empty(t, got[1])
	assert.Equal(t, "world", string(got[2]))
}

func TestDecoder_PartialHeld(t *testing.T) {
	d := NewDecoder(64)
	frames, err := d.Feed([]byte{0, 0, 0, 5, 'a', 'b'})
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, 6, d.Buffered())

	frames, err = d.Feed([]byte{'c', 'd', 'e'})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "abcde", string(frames[0]))
}

func TestDecoder_FrameTooLarge(t *testing.T) {
	d := NewDecoder(8)
	stream := append(Encode([]byte{1}), Encode(make([]byte, 9))...)

	frames, err := d.Feed(stream)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	// Frames decoded before the oversized header are still returned.
	require.Len(t, frames, 1)

	_, err = d.Feed(Encode([]byte{1}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	d.Reset()
	frames, err = d.Feed(Encode([]byte{7}))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{7}}, frames)
}

func TestIsUnhandled(t *testing.T) {
	assert.True(t, IsUnhandled([]byte{0}))
	assert.False(t, IsUnhandled([]byte{0, 0}))
	assert.False(t, IsUnhandled(nil))
}

func TestParseBroadcast(t *testing.T) {
	name, err := ParseBroadcast(FormatBroadcast("DeviceA"))
	require.NoError(t, err)
	assert.Equal(t, "DeviceA", name)

	name, err = ParseBroadcast([]byte("Pixel 7 Android ü"))
	require.NoError(t, err)
	assert.Equal(t, "Pixel 7 Android ü", name)

	name, err = ParseBroadcast(bytes.Repeat([]byte("A"), MaxBroadcastSize))
	require.NoError(t, err)
	assert.Len(t, name, MaxBroadcastSize)

	oversized := bytes.Repeat([]byte("A"), MaxBroadcastSize+1)
	for _, bad := range [][]byte{nil, {}, {0xff, 0xfe}, []byte("   "), oversized} {
		_, err := ParseBroadcast(bad)
		assert.ErrorIs(t, err, ErrMalformedBroadcast)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Nil(t, Classify(io.EOF))
	assert.Equal(t, ErrTimeout, Classify(os.ErrDeadlineExceeded))
	assert.Equal(t, ErrTimeout, Classify(&net.OpError{Op: "read", Err: timeoutErr{}}))
	assert.Equal(t, ErrFrameTooLarge, Classify(fmt.Errorf("decode: %w", ErrFrameTooLarge)))
	assert.Equal(t, ErrConnectionLost, Classify(errors.New("connection reset by peer")))
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransportError("dial", "10.0.0.5:10062", ErrPeerUnreachable, cause)

	assert.ErrorIs(t, err, ErrPeerUnreachable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "10.0.0.5:10062")
	assert.Equal(t, "peer_unreachable", KindLabel(err))

	classified := NewTransportError("read", "x", nil, os.ErrDeadlineExceeded)
	assert.ErrorIs(t, classified, ErrTimeout)
	assert.Equal(t, "timeout", KindLabel(classified))
	assert.Equal(t, "closed", KindLabel(nil))
}
