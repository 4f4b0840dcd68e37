package device

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/live-link/pkg/config"
	"github.com/live-link/pkg/protocol"
	"github.com/live-link/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Transport.RequestPort = 0
	cfg.Transport.SocketTimeoutMs = 1000
	return cfg
}

// startListener starts l on loopback and ticks it in the background until the test ends.
func startListener(t *testing.T, cfg *config.Config) *Listener {
	t.Helper()
	l := NewListener(cfg, WithListenHost("127.0.0.1"))
	require.NoError(t, l.Start())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Tick()
			case <-stop:
				return
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		wg.Wait()
		_ = l.Stop()
	})
	return l
}

func dial(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", l.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	header := make([]byte, protocol.HeaderSize)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	payload := make([]byte, binary.BigEndian.Uint32(header))
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return payload
}

func TestListener_UnhandledSentinel(t *testing.T) {
	l := startListener(t, testConfig())
	conn := dial(t, l)

	_, err := conn.Write(protocol.Encode([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, readFrame(t, conn))

	// Exactly one frame comes back.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestListener_HandlerRoundTrip(t *testing.T) {
	l := startListener(t, testConfig())

	var mu sync.Mutex
	var seen [][]byte
	l.RegisterRequestHandler(func(req []byte) []byte {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		if len(req) == 3 {
			return []byte{9, 9}
		}
		return append(req, req...)
	})

	conn := dial(t, l)
	_, err := conn.Write(protocol.Encode([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, readFrame(t, conn))

	mu.Lock()
	assert.Equal(t, [][]byte{{1, 2, 3}}, seen)
	mu.Unlock()
	assert.True(t, l.Connected())
}

func TestListener_QueuedRequestsAnsweredInOrder(t *testing.T) {
	l := startListener(t, testConfig())
	l.RegisterRequestHandler(func(req []byte) []byte {
		return append([]byte{0xAA}, req...)
	})

	conn := dial(t, l)
	var batch []byte
	batch = append(batch, protocol.Encode([]byte{1})...)
	batch = append(batch, protocol.Encode([]byte{2, 2})...)
	batch = append(batch, protocol.Encode(nil)...)
	_, err := conn.Write(batch)
	require.NoError(t, err)

	assert.Equal(t, []byte{0xAA, 1}, readFrame(t, conn))
	assert.Equal(t, []byte{0xAA, 2, 2}, readFrame(t, conn))
	assert.Equal(t, []byte{0xAA}, readFrame(t, conn))
}

func TestListener_HandlerReplaced(t *testing.T) {
	l := startListener(t, testConfig())
	l.RegisterRequestHandler(func([]byte) []byte { return []byte("first") })
	l.RegisterRequestHandler(func([]byte) []byte { return []byte("second") })

	conn := dial(t, l)
	_, err := conn.Write(protocol.Encode([]byte{1}))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), readFrame(t, conn))

	l.RegisterRequestHandler(nil)
	_, err = conn.Write(protocol.Encode([]byte{1}))
	require.NoError(t, err)
	assert.Equal(t, protocol.Unhandled, readFrame(t, conn))
}

func TestListener_FrameTooLargeDropsStream(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.MaxFrameBytes = 8
	l := startListener(t, cfg)
	l.RegisterRequestHandler(func(req []byte) []byte { return req })

	conn := dial(t, l)
	header := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint32(header, 100)
	_, err := conn.Write(header)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrDeadlineExceeded), "stream should be closed, got %v", err)

	require.Eventually(t, func() bool {
		return l.State() == types.ListenerAcceptPending
	}, 2*time.Second, 5*time.Millisecond)

	// A fresh connection is served normally.
	next := dial(t, l)
	_, err = next.Write(protocol.Encode([]byte{4, 5}))
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, readFrame(t, next))
}

func TestListener_NewConnectionReplacesOld(t *testing.T) {
	l := startListener(t, testConfig())
	l.RegisterRequestHandler(func(req []byte) []byte { return req })

	first := dial(t, l)
	require.Eventually(t, l.Connected, 2*time.Second, 5*time.Millisecond)

	second := dial(t, l)
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := first.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrDeadlineExceeded), "old stream should be closed, got %v", err)

	_, err = second.Write(protocol.Encode([]byte{7}))
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, readFrame(t, second))
}

func TestListener_PeerCloseReturnsToAcceptPending(t *testing.T) {
	l := startListener(t, testConfig())
	conn := dial(t, l)
	require.Eventually(t, l.Connected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return l.State() == types.ListenerAcceptPending
	}, 2*time.Second, 5*time.Millisecond)
}

func TestListener_HandlerPanicDropsStream(t *testing.T) {
	l := startListener(t, testConfig())
	l.RegisterRequestHandler(func([]byte) []byte { panic("boom") })

	conn := dial(t, l)
	_, err := conn.Write(protocol.Encode([]byte{1}))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrDeadlineExceeded))
}

func TestListener_Lifecycle(t *testing.T) {
	l := NewListener(testConfig(), WithListenHost("127.0.0.1"))
	assert.Equal(t, types.ListenerStopped, l.State())
	assert.Nil(t, l.Addr())
	l.Tick()

	require.NoError(t, l.Start())
	assert.Equal(t, types.ListenerAcceptPending, l.State())
	assert.ErrorIs(t, l.Start(), protocol.ErrAlreadyStarted)

	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())
	assert.Equal(t, types.ListenerStopped, l.State())
	assert.ErrorIs(t, l.Start(), protocol.ErrNotStarted)
	l.Tick()
}

// A Tick already waiting on the lock when Stop begins must not adopt the
// pending connection.
func TestListener_TickAfterStopDoesNotAdopt(t *testing.T) {
	l := NewListener(testConfig(), WithListenHost("127.0.0.1"))
	require.NoError(t, l.Start())
	dial(t, l)
	require.Eventually(t, func() bool {
		return len(l.accepted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	l.tickMu.Lock()
	ticked := make(chan struct{})
	go func() {
		defer close(ticked)
		l.Tick()
	}()
	time.Sleep(20 * time.Millisecond)
	l.stopped.Store(true)
	l.tickMu.Unlock()
	<-ticked

	assert.Nil(t, l.active)
	assert.Len(t, l.accepted, 1)
	assert.False(t, l.Connected())

	l.stopped.Store(false)
	require.NoError(t, l.Stop())
	assert.Empty(t, l.accepted)
}

func TestListener_BindFailure(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()

	cfg := testConfig()
	cfg.Transport.RequestPort = blocker.Addr().(*net.TCPAddr).Port
	l := NewListener(cfg, WithListenHost("127.0.0.1"))
	require.Error(t, l.Start())
	assert.Equal(t, types.ListenerStopped, l.State())
}
