package handshake

import (
	"crypto/rsa"
	"crypto/x509"
	"net"
	"time"

	"hop.computer/forward/certs"
)

// ServerConfig contains the server side handshake settings.
type ServerConfig struct {
	// Certificate is sent in the ServerHello. Key must be its private key.
	Certificate *x509.Certificate
	Key         *rsa.PrivateKey

	// ClientVerify holds the authority client certificates must chain to.
	ClientVerify *certs.Store

	// DataAddress is where per-session data listeners are bound.
	DataAddress string

	// KeyLength is the session key length in bits.
	KeyLength int

	HandshakeTimeout time.Duration

	// Listen binds data listeners. Defaults to a TCP listener with
	// SO_REUSEADDR set.
	Listen func(address string) (net.Listener, error)
}

// ClientConfig contains the client side handshake settings.
type ClientConfig struct {
	Certificate *x509.Certificate
	Key         *rsa.PrivateKey

	// ServerVerify holds the authority the server certificate must chain to.
	ServerVerify *certs.Store

	TargetHost string
	TargetPort int

	HandshakeTimeout time.Duration
}
