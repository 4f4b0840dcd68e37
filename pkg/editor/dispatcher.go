package editor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/live-link/pkg/config"
	"github.com/live-link/pkg/logging"
	"github.com/live-link/pkg/metrics"
	"github.com/live-link/pkg/netutil"
	"github.com/live-link/pkg/protocol"
	"github.com/live-link/pkg/routing"
	"github.com/live-link/pkg/types"
)

// PeerDirectory is the part of the discovery registry the dispatcher needs.
type PeerDirectory interface {
	SelectedPeer() (string, bool)
	Remove(addr, reason string) bool
}

// ResponseHandler receives every decoded response payload.
type ResponseHandler func(response []byte)

// HandlerID identifies a registered response handler.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn ResponseHandler
}

// Dispatcher sends framed requests to one device at a time and delivers
// responses to the registered handlers from Tick.
type Dispatcher struct {
	peers       PeerDirectory
	requestPort int
	timeout     time.Duration
	maxFrame    int
	metrics     *metrics.Collector
	dialer      net.Dialer

	conns *ConnectionStateManager

	handlersMu sync.Mutex
	handlers   []handlerEntry
	nextID     HandlerID

	sendMu sync.Mutex
	tickMu sync.Mutex

	events  chan netutil.StreamEvent
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher creates a dispatcher that picks default targets from peers
// and removes peers it cannot reach.
func NewDispatcher(cfg *config.Config, peers PeerDirectory, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		peers:       peers,
		requestPort: cfg.Transport.RequestPort,
		timeout:     cfg.GetSocketTimeout(),
		maxFrame:    cfg.Transport.MaxFrameBytes,
		dialer:      net.Dialer{Timeout: cfg.GetSocketTimeout()},
		conns:       NewConnectionStateManager(),
		events:      make(chan netutil.StreamEvent, 64),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterResponseHandler appends fn to the handlers called for each response.
// Handlers run in registration order.
func (d *Dispatcher) RegisterResponseHandler(fn ResponseHandler) HandlerID {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.nextID++
	d.handlers = append(d.handlers, handlerEntry{id: d.nextID, fn: fn})
	return d.nextID
}

// UnregisterResponseHandler removes the handler registered under id.
func (d *Dispatcher) UnregisterResponseHandler(id HandlerID) bool {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	for i, h := range d.handlers {
		if h.id == id {
			d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// State returns the connection state.
func (d *Dispatcher) State() types.ConnState {
	return d.conns.State()
}

// Connected reports whether a connection is held.
func (d *Dispatcher) Connected() bool {
	return d.conns.State() == types.ConnConnected
}

// ActiveTarget returns the dial address of the current connection, or "".
func (d *Dispatcher) ActiveTarget() string {
	return d.conns.Target()
}

// SendRequest sends payload to the registry's selected peer.
func (d *Dispatcher) SendRequest(payload []byte) error {
	target, ok := d.peers.SelectedPeer()
	if !ok {
		logging.Debugf("[dispatcher] no peer to send %dB to", len(payload))
		return protocol.ErrNoPeer
	}
	return d.SendRequestTo(target, payload)
}

// SendRequestTo sends payload to target ("ip" or "ip:port"), reusing the open
// connection when it already points there. It returns once the frame is
// written. On failure the connection is cleared and the peer is removed from
// the registry before the error is returned; callers need not act on it.
func (d *Dispatcher) SendRequestTo(target string, payload []byte) error {
	if d.stopped.Load() {
		return protocol.ErrNotStarted
	}
	addr, host, err := routing.NormalizeTarget(target, d.requestPort)
	if err != nil {
		return err
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	// Stop may have closed the slot while we waited for the lock.
	if d.stopped.Load() {
		return protocol.ErrNotStarted
	}

	s, err := d.connection(addr, host)
	if err != nil {
		return err
	}

	if err := netutil.WriteFrame(s.conn, payload, d.timeout); err != nil {
		terr := protocol.NewTransportError("write", addr, nil, err)
		d.fail(s, terr, "send_failed")
		return terr
	}
	d.metrics.RecordFrame("out", len(payload))
	logging.Debugf("[dispatcher] session=%s sent %dB to %s", s.id, len(payload), addr)
	return nil
}

// connection returns a live session to addr, dialing when needed.
func (d *Dispatcher) connection(addr, host string) (*session, error) {
	if s := d.conns.current(); s != nil {
		switch {
		case s.target == addr && !s.dead.Load():
			d.metrics.RecordConnect("reused")
			return s, nil
		case s.target == addr:
			// Read side ended before Tick saw it.
			d.drop(s, "read", s.lastError())
		default:
			logging.Logf("[dispatcher] switching target from %s to %s", s.target, addr)
		}
	}

	d.conns.beginConnect()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.conns.connectFailed()
		d.metrics.RecordConnect("failed")
		terr := protocol.NewTransportError("dial", addr, protocol.ErrPeerUnreachable, err)
		d.metrics.RecordFailure(protocol.KindLabel(terr.Kind))
		logging.Logf("[dispatcher] %v", terr)
		d.peers.Remove(host, "unreachable")
		return nil, terr
	}

	s := newSession(conn, addr, host, d.maxFrame)
	d.conns.established(s)
	d.metrics.RecordConnect("new")
	logging.Logf("[dispatcher] session=%s connected to %s", s.id, addr)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		s.markDead(netutil.PumpReads(conn, s.id, d.events, s.closed))
	}()
	return s, nil
}

// Tick decodes everything received since the last call and calls the
// handlers once per response, in arrival order. It never blocks on a read.
func (d *Dispatcher) Tick() {
	if d.stopped.Load() {
		return
	}
	d.tickMu.Lock()
	defer d.tickMu.Unlock()
	if d.stopped.Load() {
		return
	}

	for {
		select {
		case ev := <-d.events:
			d.handleEvent(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) handleEvent(ev netutil.StreamEvent) {
	s := d.conns.current()
	if s == nil || s.id != ev.Session {
		return
	}
	if ev.Err != nil {
		s.markDead(ev.Err)
		d.drop(s, "read", ev.Err)
		return
	}

	frames, err := s.decoder.Feed(ev.Data)
	for _, f := range frames {
		d.metrics.RecordFrame("in", len(f))
		d.deliver(f)
	}
	if err != nil {
		d.drop(s, "decode", err)
	}
}

func (d *Dispatcher) deliver(response []byte) {
	d.handlersMu.Lock()
	handlers := make([]handlerEntry, len(d.handlers))
	copy(handlers, d.handlers)
	d.handlersMu.Unlock()

	for _, h := range handlers {
		h.fn(response)
	}
	d.metrics.RecordResponseCallbacks(len(handlers))
}

// drop clears s after its read side ended. A clean close keeps the peer
// registered; any other failure removes it.
func (d *Dispatcher) drop(s *session, op string, err error) {
	kind := protocol.Classify(err)
	if kind == nil {
		if d.conns.clear(s) {
			logging.Logf("[dispatcher] session=%s closed by %s", s.id, s.target)
		}
		return
	}
	d.fail(s, protocol.NewTransportError(op, s.target, kind, err), "connection_lost")
}

// fail clears s and deregisters its peer, once per session.
func (d *Dispatcher) fail(s *session, terr *protocol.TransportError, reason string) {
	if !d.conns.clear(s) {
		return
	}
	d.metrics.RecordFailure(protocol.KindLabel(terr.Kind))
	logging.Logf("[dispatcher] session=%s dropped: %v", s.id, terr)
	d.peers.Remove(s.host, reason)
}

// Stop closes the connection and waits for the reader goroutine.
func (d *Dispatcher) Stop() error {
	if d.stopped.Swap(true) {
		return nil
	}
	d.sendMu.Lock()
	d.tickMu.Lock()
	err := d.conns.closeActive()
	d.tickMu.Unlock()
	d.sendMu.Unlock()

	d.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
