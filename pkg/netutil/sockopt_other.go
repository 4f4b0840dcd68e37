//go:build !unix && !windows

package netutil

func setBroadcastOptions(fd uintptr) error {
	return nil
}
