package handshake

import (
	"context"
	"net"
)

// ListenData binds a TCP listener for a session data channel.
func ListenData(address string) (net.Listener, error) {
	lc := &net.ListenConfig{Control: setListenerOptions}
	return lc.Listen(context.Background(), "tcp", address)
}
