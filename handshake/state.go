package handshake

import "fmt"

// State is a step of the server side handshake.
type State int

// Server handshake states, in order.
const (
	StateAwaitClientHello State = iota
	StateVerifyClientCert
	StateSendServerHello
	StateAwaitForwardMessage
	StateEstablishSession
	StateSendSessionMessage
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitClientHello:
		return "AWAIT_CLIENT_HELLO"
	case StateVerifyClientCert:
		return "VERIFY_CLIENT_CERT"
	case StateSendServerHello:
		return "SEND_SERVER_HELLO"
	case StateAwaitForwardMessage:
		return "AWAIT_FORWARD_MESSAGE"
	case StateEstablishSession:
		return "ESTABLISH_SESSION"
	case StateSendSessionMessage:
		return "SEND_SESSION_MESSAGE"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// HandshakeError is returned when a handshake aborts. Err wraps one of the
// package sentinel errors, keys.ErrEncryptionFailure, or an I/O error.
type HandshakeError struct {
	State State
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %s", e.State, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
