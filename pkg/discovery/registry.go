package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/live-link/pkg/config"
	"github.com/live-link/pkg/logging"
	"github.com/live-link/pkg/metrics"
	"github.com/live-link/pkg/netutil"
	"github.com/live-link/pkg/protocol"
	"github.com/live-link/pkg/routing"
	"github.com/live-link/pkg/types"
)

// datagram is a received announcement waiting to be decoded.
type datagram struct {
	from    string
	ifIndex int
	payload []byte
}

// Registry listens for device announcements and keeps the set of known peers.
// Receives run on a background goroutine that hands each datagram to a
// second goroutine before reading again, so decoding never delays a receive.
type Registry struct {
	listenHost string
	port       int
	timeout    time.Duration
	metrics    *metrics.Collector

	mu    sync.RWMutex
	peers map[string]*types.PeerEndpoint
	order []string // insertion order, oldest first

	conn      *net.UDPConn
	pconn     *ipv4.PacketConn
	datagrams chan datagram
	done      chan struct{}
	wg        sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithListenHost binds to host instead of all interfaces.
func WithListenHost(host string) RegistryOption {
	return func(r *Registry) {
		r.listenHost = host
	}
}

// WithRegistryMetrics attaches a metrics collector.
func WithRegistryMetrics(m *metrics.Collector) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an unstarted registry for cfg's discovery port.
func NewRegistry(cfg *config.Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		listenHost: "0.0.0.0",
		port:       cfg.Transport.DiscoveryPort,
		timeout:    cfg.GetSocketTimeout(),
		peers:      make(map[string]*types.PeerEndpoint),
		datagrams:  make(chan datagram, 64),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start binds the discovery port and begins receiving. A bind failure is returned.
func (r *Registry) Start() error {
	if r.stopped.Load() {
		return protocol.ErrNotStarted
	}
	if r.started.Swap(true) {
		return protocol.ErrAlreadyStarted
	}

	addr := net.JoinHostPort(r.listenHost, strconv.Itoa(r.port))
	conn, err := netutil.ListenUDP4(context.Background(), addr)
	if err != nil {
		r.started.Store(false)
		return err
	}
	if err := conn.SetReadBuffer(protocol.MaxBroadcastSize * 64); err != nil {
		logging.Debugf("[discovery] failed to set read buffer: %v", err)
	}

	pconn := ipv4.NewPacketConn(conn)
	// Interface index is informational; some platforms cannot report it.
	if err := pconn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		logging.Debugf("[discovery] control messages unavailable: %v", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.pconn = pconn
	r.mu.Unlock()

	r.wg.Add(2)
	go r.receiveLoop(pconn)
	go r.processLoop()

	logging.Logf("[discovery] listening for announcements on udp %s", conn.LocalAddr())
	return nil
}

// Stop closes the socket and waits for the background goroutines. Safe to call twice.
func (r *Registry) Stop() error {
	if r.stopped.Swap(true) {
		return nil
	}
	close(r.done)

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.pconn = nil
	r.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	r.wg.Wait()
	r.started.Store(false)
	return err
}

// Started reports whether the discovery socket is bound.
func (r *Registry) Started() bool {
	return r.started.Load() && !r.stopped.Load()
}

// LocalAddr returns the bound address, or nil before Start.
func (r *Registry) LocalAddr() net.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

func (r *Registry) receiveLoop(pconn *ipv4.PacketConn) {
	defer r.wg.Done()

	// One spare byte so an oversized datagram shows up as n > MaxBroadcastSize
	// and is discarded instead of registering a truncated name.
	buf := make([]byte, protocol.MaxBroadcastSize+1)
	for {
		// Deadline only bounds each wait so a quiet network surfaces as a timeout.
		_ = pconn.SetReadDeadline(time.Now().Add(r.timeout))
		n, cm, src, err := pconn.ReadFrom(buf)
		if err != nil {
			if r.stopped.Load() {
				return
			}
			if errors.Is(protocol.Classify(err), protocol.ErrTimeout) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Debugf("[discovery] receive error: %v", err)
			continue
		}

		dg := datagram{
			from:    routing.HostOf(src),
			payload: append([]byte(nil), buf[:n]...),
		}
		if cm != nil {
			dg.ifIndex = cm.IfIndex
		}

		select {
		case r.datagrams <- dg:
		case <-r.done:
			return
		}
	}
}

func (r *Registry) processLoop() {
	defer r.wg.Done()
	for {
		select {
		case dg := <-r.datagrams:
			r.observe(dg.from, dg.payload, dg.ifIndex)
		case <-r.done:
			return
		}
	}
}

// observe records an announcement. The first name seen from an address wins.
func (r *Registry) observe(from string, payload []byte, ifIndex int) bool {
	name, err := protocol.ParseBroadcast(payload)
	if err != nil {
		r.metrics.RecordDatagram("malformed")
		logging.Debugf("[discovery] discarding datagram from=%s err=%v", from, err)
		return false
	}

	r.mu.Lock()
	if _, known := r.peers[from]; known {
		r.mu.Unlock()
		r.metrics.RecordDatagram("known")
		return false
	}
	r.peers[from] = &types.PeerEndpoint{
		Address:     from,
		DisplayName: name,
		FirstSeen:   time.Now(),
		Interface:   ifIndex,
	}
	r.order = append(r.order, from)
	r.mu.Unlock()

	r.metrics.RecordDatagram("new")
	logging.Logf("[discovery] new peer addr=%s name=%q ifindex=%d", from, name, ifIndex)
	return true
}

// Remove deletes addr from the registry. Returns false when it was not known.
func (r *Registry) Remove(addr, reason string) bool {
	r.mu.Lock()
	if _, ok := r.peers[addr]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.peers, addr)
	for i, a := range r.order {
		if a == addr {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.metrics.RecordPeerRemoved(reason)
	logging.Logf("[discovery] removed peer addr=%s reason=%s", addr, reason)
	return true
}

// KnownPeers returns a copy of the registry as address -> display name.
func (r *Registry) KnownPeers() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]string, len(r.peers))
	for addr, p := range r.peers {
		result[addr] = p.DisplayName
	}
	return result
}

// Peers returns copies of the known endpoints, oldest first.
func (r *Registry) Peers() []types.PeerEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]types.PeerEndpoint, 0, len(r.order))
	for _, addr := range r.order {
		result = append(result, *r.peers[addr])
	}
	return result
}

// SelectedPeer returns the most recently inserted address, the default send target.
func (r *Registry) SelectedPeer() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return "", false
	}
	return r.order[len(r.order)-1], true
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
