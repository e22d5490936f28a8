//go:build unix

package handshake

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setListenerOptions lets a data listener rebind a fixed port while a previous
// session's sockets are still in TIME_WAIT.
func setListenerOptions(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
