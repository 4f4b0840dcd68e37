package netutil

import (
	"net"
	"time"

	"github.com/live-link/pkg/protocol"
)

const readChunkSize = 32 * 1024

// StreamEvent is one completed read on a session: either a chunk of bytes or the error that ended it.
type StreamEvent struct {
	Session string
	Data    []byte
	Err     error
}

// PumpReads reads conn until it fails and pushes every chunk to out, tagged
// with session. The final event carries the read error (io.EOF on a clean
// close), which is also returned. It returns early when stop is closed.
func PumpReads(conn net.Conn, session string, out chan<- StreamEvent, stop <-chan struct{}) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			ev := StreamEvent{Session: session, Data: append([]byte(nil), buf[:n]...)}
			select {
			case out <- ev:
			case <-stop:
				return nil
			}
		}
		if err != nil {
			select {
			case out <- StreamEvent{Session: session, Err: err}:
			case <-stop:
			}
			return err
		}
	}
}

// WriteFrame writes payload as one length-prefixed frame within timeout.
func WriteFrame(conn net.Conn, payload []byte, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := conn.Write(protocol.Encode(payload))
	return err
}
