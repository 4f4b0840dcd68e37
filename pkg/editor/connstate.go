package editor

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/live-link/pkg/protocol"
	"github.com/live-link/pkg/types"
)

// session is one open request connection to a device.
type session struct {
	id      string
	target  string // dial address, host:port
	host    string // registry key
	conn    net.Conn
	decoder *protocol.Decoder
	closed  chan struct{}

	dead    atomic.Bool
	readErr atomic.Value // error that ended the read side
}

func newSession(conn net.Conn, target, host string, maxFrame int) *session {
	return &session{
		id:      uuid.NewString(),
		target:  target,
		host:    host,
		conn:    conn,
		decoder: protocol.NewDecoder(maxFrame),
		closed:  make(chan struct{}),
	}
}

func (s *session) markDead(err error) {
	if err != nil {
		s.readErr.Store(err)
	}
	s.dead.Store(true)
}

func (s *session) lastError() error {
	if v := s.readErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (s *session) close() error {
	s.dead.Store(true)
	close(s.closed)
	return s.conn.Close()
}

// ConnectionStateManager owns the dispatcher's single connection slot.
// Idle -> Connecting -> Connected -> Idle.
type ConnectionStateManager struct {
	mu     sync.Mutex
	state  types.ConnState
	active *session
}

// NewConnectionStateManager returns an idle manager.
func NewConnectionStateManager() *ConnectionStateManager {
	return &ConnectionStateManager{state: types.ConnIdle}
}

// State returns the current connection state.
func (m *ConnectionStateManager) State() types.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// current returns the session in the slot, live or not.
func (m *ConnectionStateManager) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Target returns the dial address of the held connection, or "".
func (m *ConnectionStateManager) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.target
}

// beginConnect closes whatever the slot holds and moves to Connecting.
func (m *ConnectionStateManager) beginConnect() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.active
	m.active = nil
	m.state = types.ConnConnecting
	if old != nil {
		_ = old.close()
	}
	return old
}

// established stores s in the slot.
func (m *ConnectionStateManager) established(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = s
	m.state = types.ConnConnected
}

// connectFailed returns the slot to Idle after a failed dial.
func (m *ConnectionStateManager) connectFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = types.ConnIdle
}

// clear closes s if it still holds the slot. It returns false when s was
// already replaced or cleared, so each failure is handled once.
func (m *ConnectionStateManager) clear(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil || m.active != s {
		return false
	}
	m.active = nil
	m.state = types.ConnIdle
	_ = s.close()
	return true
}

// closeActive empties the slot and returns the close error.
func (m *ConnectionStateManager) closeActive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active
	m.active = nil
	m.state = types.ConnIdle
	if s == nil {
		return nil
	}
	return s.close()
}
