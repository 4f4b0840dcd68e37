package routing

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

func isPortNumber(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port > 0 && port < 65536
}

// NormalizeTarget turns a peer reference into the dial address of its request port.
// - "10.0.0.5" -> "10.0.0.5:<defaultPort>"
// - "10.0.0.5:7000" -> unchanged
// - "fe80::1" -> "[fe80::1]:<defaultPort>"
// Returns the dial address and the bare host, which is the registry key.
func NormalizeTarget(target string, defaultPort int) (addr, host string, err error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", "", fmt.Errorf("empty target")
	}

	// Bare IPv6 literal (contains colons but no port)
	if ip := net.ParseIP(strings.Trim(target, "[]")); ip != nil {
		host = ip.String()
		return net.JoinHostPort(host, strconv.Itoa(defaultPort)), host, nil
	}

	if strings.Contains(target, ":") {
		h, port, splitErr := net.SplitHostPort(target)
		if splitErr != nil {
			return "", "", fmt.Errorf("invalid target %q: %w", target, splitErr)
		}
		if h == "" {
			return "", "", fmt.Errorf("invalid target %q: missing host", target)
		}
		if !isPortNumber(port) {
			return "", "", fmt.Errorf("invalid target %q: bad port %q", target, port)
		}
		return net.JoinHostPort(h, port), h, nil
	}

	// Host name without port
	return net.JoinHostPort(target, strconv.Itoa(defaultPort)), target, nil
}

// HostOf returns the IP of a net.Addr as a string, or its String() form.
func HostOf(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	case nil:
		return ""
	default:
		if h, _, err := net.SplitHostPort(a.String()); err == nil {
			return h
		}
		return a.String()
	}
}
