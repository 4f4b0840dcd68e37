package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/live-link/pkg/config"
	"github.com/live-link/pkg/logging"
	"github.com/live-link/pkg/metrics"
	"github.com/live-link/pkg/netutil"
	"github.com/live-link/pkg/protocol"
)

// Broadcaster announces the device's display name on the discovery port.
// Each announcement uses its own short-lived UDP socket.
type Broadcaster struct {
	displayName string
	target      *net.UDPAddr
	interval    time.Duration
	timeout     time.Duration
	clock       clock.Clock
	metrics     *metrics.Collector

	mu       sync.Mutex
	started  bool
	lastSend time.Time
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithClock sets the time source (tests pass clock.NewMock()).
func WithClock(c clock.Clock) BroadcasterOption {
	return func(b *Broadcaster) {
		b.clock = c
	}
}

// WithBroadcasterMetrics attaches a metrics collector.
func WithBroadcasterMetrics(m *metrics.Collector) BroadcasterOption {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

// NewBroadcaster creates a broadcaster for cfg's display name, broadcast address and port.
func NewBroadcaster(cfg *config.Config, opts ...BroadcasterOption) (*Broadcaster, error) {
	if err := config.ValidateDisplayName(cfg.Device.DisplayName); err != nil {
		return nil, err
	}
	hostPort := net.JoinHostPort(cfg.Transport.BroadcastAddr, strconv.Itoa(cfg.Transport.DiscoveryPort))
	target, err := net.ResolveUDPAddr("udp4", hostPort)
	if err != nil {
		return nil, fmt.Errorf("invalid broadcast address %s: %w", hostPort, err)
	}

	b := &Broadcaster{
		displayName: cfg.Device.DisplayName,
		target:      target,
		interval:    cfg.GetBroadcastInterval(),
		timeout:     cfg.GetSocketTimeout(),
		clock:       clock.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Start sends the first announcement. Later calls do nothing.
func (b *Broadcaster) Start() {
	now := b.clock.Now()
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.lastSend = now
	b.mu.Unlock()

	logging.Logf("[discovery] announcing name=%q target=%s interval=%v", b.displayName, b.target, b.interval)
	b.broadcast()
}

// Stop ends announcements; Tick becomes a no-op.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
}

// Tick announces again once more than the interval has passed since the last send.
func (b *Broadcaster) Tick(now time.Time) {
	if b.claim(now) {
		b.broadcast()
	}
}

// claim reports whether a send is due at now and, if so, records now as the
// last send. Only one of several concurrent ticks wins a given interval, and
// a failing network is retried at the interval rather than on every tick.
func (b *Broadcaster) claim(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || now.Sub(b.lastSend) <= b.interval {
		return false
	}
	b.lastSend = now
	return true
}

// LastSend returns when the last announcement was attempted.
func (b *Broadcaster) LastSend() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSend
}

// Now returns the broadcaster's clock time, for hosts driving Tick.
func (b *Broadcaster) Now() time.Time {
	return b.clock.Now()
}

func (b *Broadcaster) broadcast() {
	if err := b.send(protocol.FormatBroadcast(b.displayName)); err != nil {
		b.metrics.RecordBroadcast(false)
		logging.Logf("[discovery] broadcast failed target=%s err=%v", b.target, err)
		return
	}
	b.metrics.RecordBroadcast(true)
	logging.Debugf("[discovery] broadcast sent target=%s name=%q", b.target, b.displayName)
}

func (b *Broadcaster) send(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	conn, err := netutil.ListenUDP4(ctx, ":0")
	if err != nil {
		return fmt.Errorf("open socket: %w", err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(b.timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.WriteToUDP(payload, b.target); err != nil {
		return err
	}
	return nil
}
