//go:build windows

package netutil

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// SO_REUSEADDR on Windows lets another process steal the port, so only broadcast is enabled.
func setBroadcastOptions(fd uintptr) error {
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1); err != nil {
		return fmt.Errorf("set SO_BROADCAST: %w", err)
	}
	return nil
}
