package fwdtest

import (
	"io"
	"net"
	"strconv"
	"testing"

	"golang.org/x/net/nettest"
	"gotest.tools/assert"
)

// EchoTarget listens on a local port and echoes every connection back to its
// sender until the sender half closes. Close the listener to stop it.
func EchoTarget(t testing.TB) net.Listener {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln
}

// HostPort splits addr into host and port.
func HostPort(t testing.TB, addr net.Addr) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr.String())
	assert.NilError(t, err)
	port, err := strconv.Atoi(portStr)
	assert.NilError(t, err)
	return host, port
}
