// Package netutil configures the UDP sockets used for discovery.
package netutil

import (
	"context"
	"net"
	"syscall"
)

// ListenUDP4 binds a UDPv4 socket with SO_REUSEADDR (so several editors on one
// host can share the discovery port) and SO_BROADCAST enabled.
func ListenUDP4(ctx context.Context, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: broadcastControl}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func broadcastControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = setBroadcastOptions(fd)
	})
	if err != nil {
		return err
	}
	return opErr
}
