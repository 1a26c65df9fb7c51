//go:build !linux

package sockopt

import "syscall"

// ListenControl is a no-op outside Linux.
func ListenControl(fastOpenQueue int) func(network, address string, c syscall.RawConn) error {
	return nil
}

// Supported reports whether listener options are applied on this platform.
func Supported() bool { return false }
