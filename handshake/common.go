package handshake

import (
	"errors"
	"fmt"
)

// Version is the wire format version. Only one version is supported.
const Version byte = 0x01

// Framing constants
const (
	HeaderLen = 2 + 1 + 2 + 4 // magic, version, count, length

	// MaxParams bounds the number of parameters in one message.
	MaxParams = 16

	// MaxMessageLen bounds the parameter block of one message.
	MaxMessageLen = 64 * 1024
)

var magic = [2]byte{'F', 'W'}

// Parameter names used on the wire.
const (
	ParamMessageType = "MessageType"
	ParamCertificate = "Certificate"
	ParamTargetHost  = "TargetHost"
	ParamTargetPort  = "TargetPort"
	ParamSessionKey  = "SessionKey"
	ParamSessionIV   = "SessionIV"
	ParamServerHost  = "ServerHost"
	ParamServerPort  = "ServerPort"
)

// ErrMalformedMessage is returned when the wire framing of a message cannot be
// decoded, or a required parameter is missing or invalid.
var ErrMalformedMessage = errors.New("malformed message")

// ErrInvalidMessageType is returned when a message has an unknown type, or is
// not the message expected at the current step of the handshake.
var ErrInvalidMessageType = errors.New("invalid message type")

// ErrUntrustedCertificate is returned when the peer certificate does not
// verify against the configured certificate authority.
var ErrUntrustedCertificate = errors.New("untrusted certificate")

// ErrBindFailure is returned when the data channel listener for a session
// cannot be bound.
var ErrBindFailure = errors.New("unable to bind data channel")

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

func unexpected(got, expected MessageType) error {
	return fmt.Errorf("%w: got %s, expected %s", ErrInvalidMessageType, got, expected)
}
