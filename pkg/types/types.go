package types

import "time"

// PeerEndpoint a device discovered through its UDP announcement
type PeerEndpoint struct {
	Address     string    // IP address the announcement came from
	DisplayName string    // First name announced from Address; later announcements do not change it
	FirstSeen   time.Time // When the first announcement arrived
	Interface   int       // Receiving interface index (0 when unknown)
}

// ConnState lifecycle of the editor's single request connection
type ConnState int32

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ListenerState lifecycle of the device's request listener
type ListenerState int32

const (
	ListenerStopped ListenerState = iota
	ListenerListening
	ListenerAcceptPending
	ListenerConnected
	ListenerHandling
	ListenerResponseSent
)

func (s ListenerState) String() string {
	switch s {
	case ListenerStopped:
		return "stopped"
	case ListenerListening:
		return "listening"
	case ListenerAcceptPending:
		return "accept_pending"
	case ListenerConnected:
		return "connected"
	case ListenerHandling:
		return "handling"
	case ListenerResponseSent:
		return "response_sent"
	default:
		return "unknown"
	}
}
