//go:build linux

package sockopt

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenControl returns a net.ListenConfig Control func that enables TCP Fast
// Open on the listener with the given queue length. A non-positive length
// returns nil and leaves the socket untouched.
func ListenControl(fastOpenQueue int) func(network, address string, c syscall.RawConn) error {
	if fastOpenQueue <= 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN, fastOpenQueue)
		})
		if err != nil {
			return err
		}
		if sockErr != nil {
			return fmt.Errorf("failed to set TCP_FASTOPEN %d: %w", fastOpenQueue, sockErr)
		}
		return nil
	}
}

// Supported reports whether listener options are applied on this platform.
func Supported() bool { return true }
