package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// Error kinds. Match with errors.Is.
var (
	ErrPeerUnreachable    = errors.New("peer unreachable")
	ErrConnectionLost     = errors.New("connection lost")
	ErrFrameTooLarge      = errors.New("frame too large")
	ErrTimeout            = errors.New("timeout")
	ErrMalformedBroadcast = errors.New("malformed broadcast")

	ErrNoPeer         = errors.New("no peer selected")
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
)

// TransportError carries the failed operation, the peer and the kind of failure.
type TransportError struct {
	Op   string // dial, write, read, decode
	Addr string
	Kind error
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Addr, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Kind)
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewTransportError builds a TransportError, classifying err when kind is nil.
func NewTransportError(op, addr string, kind, err error) *TransportError {
	if kind == nil {
		kind = Classify(err)
	}
	return &TransportError{Op: op, Addr: addr, Kind: kind, Err: err}
}

// Classify maps a socket error to an error kind. io.EOF maps to nil: the peer
// closed the stream cleanly.
func Classify(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	if errors.Is(err, ErrFrameTooLarge) {
		return ErrFrameTooLarge
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrConnectionLost
}

// KindLabel is a short, low cardinality name for an error kind (metrics, logs).
func KindLabel(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPeerUnreachable):
		return "peer_unreachable"
	case errors.Is(err, ErrMalformedBroadcast):
		return "malformed_broadcast"
	default:
		return "connection_lost"
	}
}
