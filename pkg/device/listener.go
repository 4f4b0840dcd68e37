package device

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/live-link/pkg/config"
	"github.com/live-link/pkg/logging"
	"github.com/live-link/pkg/metrics"
	"github.com/live-link/pkg/netutil"
	"github.com/live-link/pkg/protocol"
	"github.com/live-link/pkg/types"
)

// RequestHandler maps a request payload to its response payload.
type RequestHandler func(request []byte) []byte

// stream is the single adopted request connection.
type stream struct {
	id      string
	conn    net.Conn
	decoder *protocol.Decoder
	pending [][]byte // decoded requests not yet answered
	closed  chan struct{}
}

func (s *stream) close() error {
	close(s.closed)
	return s.conn.Close()
}

// Listener serves one request connection at a time on the request port.
// Accepts and reads run on background goroutines; Tick adopts accepted
// connections, answers complete requests and writes the responses.
type Listener struct {
	listenHost string
	port       int
	timeout    time.Duration
	maxFrame   int
	metrics    *metrics.Collector

	mu      sync.Mutex
	handler RequestHandler
	state   types.ListenerState

	// tickMu serializes Tick and Stop; the handler runs under it.
	tickMu sync.Mutex
	ln     net.Listener
	active *stream

	accepted chan net.Conn
	rearm    chan struct{}
	events   chan netutil.StreamEvent
	done     chan struct{}
	wg       sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool
}

// Option configures a Listener.
type Option func(*Listener)

// WithListenHost binds to host instead of all interfaces.
func WithListenHost(host string) Option {
	return func(l *Listener) {
		l.listenHost = host
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

// NewListener creates an unstarted listener for cfg's request port.
func NewListener(cfg *config.Config, opts ...Option) *Listener {
	l := &Listener{
		listenHost: "0.0.0.0",
		port:       cfg.Transport.RequestPort,
		timeout:    cfg.GetSocketTimeout(),
		maxFrame:   cfg.Transport.MaxFrameBytes,
		state:      types.ListenerStopped,
		accepted:   make(chan net.Conn, 1),
		rearm:      make(chan struct{}, 1),
		events:     make(chan netutil.StreamEvent, 64),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterRequestHandler installs h, replacing any previous handler. A nil h
// makes the listener answer every request with the unhandled sentinel.
func (l *Listener) RegisterRequestHandler(h RequestHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Start binds the request port and arms the first accept.
func (l *Listener) Start() error {
	if l.stopped.Load() {
		return protocol.ErrNotStarted
	}
	if l.started.Swap(true) {
		return protocol.ErrAlreadyStarted
	}

	addr := net.JoinHostPort(l.listenHost, strconv.Itoa(l.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.started.Store(false)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	l.tickMu.Lock()
	l.ln = ln
	l.tickMu.Unlock()
	l.setState(types.ListenerListening)

	l.wg.Add(1)
	go l.acceptLoop(ln)
	l.armAccept()

	logging.Logf("[listener] listening for requests on tcp %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// State returns the current listener state.
func (l *Listener) State() types.ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected reports whether a request stream is adopted.
func (l *Listener) Connected() bool {
	switch l.State() {
	case types.ListenerConnected, types.ListenerHandling, types.ListenerResponseSent:
		return true
	}
	return false
}

func (l *Listener) setState(s types.ListenerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

func (l *Listener) armAccept() {
	select {
	case l.rearm <- struct{}{}:
	default:
	}
	if l.active == nil {
		l.setState(types.ListenerAcceptPending)
	}
}

// acceptLoop performs one Accept per re-arm token, so at most one accept is outstanding.
func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		select {
		case <-l.rearm:
		case <-l.done:
			return
		}

		var conn net.Conn
		for {
			c, err := ln.Accept()
			if err == nil {
				conn = c
				break
			}
			if l.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Logf("[listener] accept failed: %v", err)
			select {
			case <-time.After(100 * time.Millisecond):
			case <-l.done:
				return
			}
		}

		select {
		case l.accepted <- conn:
		case <-l.done:
			_ = conn.Close()
			return
		}
	}
}

// Tick adopts a completed accept, drains received bytes and answers every
// complete request in arrival order. It never blocks on a read.
func (l *Listener) Tick() {
	if !l.started.Load() || l.stopped.Load() {
		return
	}
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	// Stop may have closed the slot while we waited for the lock.
	if l.stopped.Load() {
		return
	}

	select {
	case conn := <-l.accepted:
		l.adopt(conn)
	default:
	}

drain:
	for {
		select {
		case ev := <-l.events:
			l.handleEvent(ev)
		default:
			break drain
		}
	}

	l.serve()
}

func (l *Listener) adopt(conn net.Conn) {
	if l.active != nil {
		logging.Logf("[listener] replacing stream=%s with new connection from %s", l.active.id, conn.RemoteAddr())
		_ = l.active.close()
		l.active = nil
	}

	s := &stream{
		id:      uuid.NewString(),
		conn:    conn,
		decoder: protocol.NewDecoder(l.maxFrame),
		closed:  make(chan struct{}),
	}
	l.active = s
	l.setState(types.ListenerConnected)
	l.metrics.RecordAccept()
	logging.Logf("[listener] accepted stream=%s remote=%s", s.id, conn.RemoteAddr())

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		netutil.PumpReads(conn, s.id, l.events, s.closed)
	}()

	l.armAccept()
}

func (l *Listener) handleEvent(ev netutil.StreamEvent) {
	s := l.active
	if s == nil || ev.Session != s.id {
		return
	}
	if ev.Err != nil {
		// Answer what already arrived; a half-closed peer can still read.
		l.serve()
		l.teardown("read", ev.Err)
		return
	}

	frames, err := s.decoder.Feed(ev.Data)
	for _, f := range frames {
		l.metrics.RecordFrame("in", len(f))
	}
	s.pending = append(s.pending, frames...)
	if err != nil {
		// Requests decoded before the oversized header are dropped with the stream.
		l.teardown("decode", err)
	}
}

func (l *Listener) serve() {
	for l.active != nil && len(l.active.pending) > 0 {
		s := l.active
		request := s.pending[0]
		s.pending = s.pending[1:]

		l.setState(types.ListenerHandling)
		response, result := l.invoke(request)
		if result == "failed" {
			l.metrics.RecordRequest(result)
			l.teardown("handle", errors.New("request handler panicked"))
			return
		}

		if err := netutil.WriteFrame(s.conn, response, l.timeout); err != nil {
			l.metrics.RecordRequest("failed")
			l.teardown("write", err)
			return
		}
		l.metrics.RecordRequest(result)
		l.metrics.RecordFrame("out", len(response))
		l.setState(types.ListenerResponseSent)
		logging.Debugf("[listener] stream=%s request=%dB response=%dB result=%s", s.id, len(request), len(response), result)
		l.setState(types.ListenerConnected)
	}
}

// invoke runs the registered handler, or returns the unhandled sentinel when there is none.
func (l *Listener) invoke(request []byte) (response []byte, result string) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h == nil {
		return protocol.Unhandled, "unhandled"
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Logf("[listener] request handler panic: %v", r)
			response, result = nil, "failed"
		}
	}()
	response = h(request)
	if response == nil {
		response = []byte{}
	}
	return response, "handled"
}

// teardown closes the active stream; the accept armed at adoption stays pending.
func (l *Listener) teardown(op string, err error) {
	s := l.active
	if s == nil {
		return
	}
	l.active = nil
	remote := s.conn.RemoteAddr().String()
	_ = s.close()

	kind := protocol.Classify(err)
	if kind == nil {
		logging.Logf("[listener] stream=%s remote=%s closed by peer", s.id, remote)
	} else {
		terr := protocol.NewTransportError(op, remote, kind, err)
		l.metrics.RecordFailure(protocol.KindLabel(kind))
		logging.Logf("[listener] stream=%s dropped: %v", s.id, terr)
	}
	l.setState(types.ListenerAcceptPending)
}

// Stop closes the listener and the active stream and waits for background goroutines.
func (l *Listener) Stop() error {
	if l.stopped.Swap(true) {
		return nil
	}
	close(l.done)

	l.tickMu.Lock()
	var err error
	if l.ln != nil {
		err = multierr.Append(err, l.ln.Close())
	}
	if l.active != nil {
		err = multierr.Append(err, l.active.close())
		l.active = nil
	}
	l.tickMu.Unlock()

	l.wg.Wait()

	// An accept that completed after the last Tick was never adopted.
	select {
	case conn := <-l.accepted:
		err = multierr.Append(err, conn.Close())
	default:
	}

	l.setState(types.ListenerStopped)
	l.started.Store(false)
	return err
}
