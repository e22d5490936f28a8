//go:build !unix

package handshake

import "syscall"

func setListenerOptions(network, address string, c syscall.RawConn) error {
	return nil
}
