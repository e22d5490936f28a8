package handshake

import (
	"encoding/base64"
	"strconv"
)

// MessageType identifies one of the four handshake messages.
type MessageType string

// Known MessageType values
const (
	MessageTypeClientHello    MessageType = "ClientHello"
	MessageTypeServerHello    MessageType = "ServerHello"
	MessageTypeForwardMessage MessageType = "ForwardMessage"
	MessageTypeSessionMessage MessageType = "SessionMessage"
)

// Params is the key-value form of a message as it appears on the wire.
type Params map[string]string

// Message is implemented by the four handshake messages. The set is closed:
// Decode only ever returns one of *ClientHello, *ServerHello, *ForwardMessage
// or *SessionMessage.
type Message interface {
	Type() MessageType
	params() Params
}

// ClientHello opens a handshake and carries the client certificate.
type ClientHello struct {
	// Certificate is the encoded client certificate, see
	// certs.EncodeCertificate.
	Certificate string
}

// ServerHello answers a trusted ClientHello with the server certificate.
type ServerHello struct {
	Certificate string
}

// ForwardMessage names the host and port the client wants to reach.
type ForwardMessage struct {
	TargetHost string
	TargetPort int
}

// SessionMessage carries the session key and IV encrypted to the client
// certificate, and where the client should connect for the data channel.
// ServerHost and ServerPort are optional; a zero ServerPort means they were
// not sent.
type SessionMessage struct {
	SessionKey []byte
	SessionIV  []byte
	ServerHost string
	ServerPort int
}

// Type implements Message.
func (*ClientHello) Type() MessageType { return MessageTypeClientHello }

// Type implements Message.
func (*ServerHello) Type() MessageType { return MessageTypeServerHello }

// Type implements Message.
func (*ForwardMessage) Type() MessageType { return MessageTypeForwardMessage }

// Type implements Message.
func (*SessionMessage) Type() MessageType { return MessageTypeSessionMessage }

func (m *ClientHello) params() Params {
	return Params{
		ParamMessageType: string(m.Type()),
		ParamCertificate: m.Certificate,
	}
}

func (m *ServerHello) params() Params {
	return Params{
		ParamMessageType: string(m.Type()),
		ParamCertificate: m.Certificate,
	}
}

func (m *ForwardMessage) params() Params {
	return Params{
		ParamMessageType: string(m.Type()),
		ParamTargetHost:  m.TargetHost,
		ParamTargetPort:  strconv.Itoa(m.TargetPort),
	}
}

func (m *SessionMessage) params() Params {
	p := Params{
		ParamMessageType: string(m.Type()),
		ParamSessionKey:  base64.StdEncoding.EncodeToString(m.SessionKey),
		ParamSessionIV:   base64.StdEncoding.EncodeToString(m.SessionIV),
	}
	if m.ServerPort != 0 {
		p[ParamServerHost] = m.ServerHost
		p[ParamServerPort] = strconv.Itoa(m.ServerPort)
	}
	return p
}

// ParamsOf returns the wire parameters of m.
func ParamsOf(m Message) Params {
	return m.params()
}

// FromParams validates p and converts it to the concrete message named by its
// MessageType parameter.
func FromParams(p Params) (Message, error) {
	mt, ok := p[ParamMessageType]
	if !ok {
		return nil, malformed("missing %s", ParamMessageType)
	}
	switch MessageType(mt) {
	case MessageTypeClientHello:
		if err := p.expect(ParamCertificate); err != nil {
			return nil, err
		}
		return &ClientHello{Certificate: p[ParamCertificate]}, nil
	case MessageTypeServerHello:
		if err := p.expect(ParamCertificate); err != nil {
			return nil, err
		}
		return &ServerHello{Certificate: p[ParamCertificate]}, nil
	case MessageTypeForwardMessage:
		if err := p.expect(ParamTargetHost, ParamTargetPort); err != nil {
			return nil, err
		}
		port, err := parsePort(ParamTargetPort, p[ParamTargetPort])
		if err != nil {
			return nil, err
		}
		return &ForwardMessage{TargetHost: p[ParamTargetHost], TargetPort: port}, nil
	case MessageTypeSessionMessage:
		return sessionMessageFromParams(p)
	default:
		return nil, unexpected(MessageType(mt), "a handshake message")
	}
}

func sessionMessageFromParams(p Params) (Message, error) {
	_, hasHost := p[ParamServerHost]
	_, hasPort := p[ParamServerPort]
	required := []string{ParamSessionKey, ParamSessionIV}
	if hasHost || hasPort {
		required = append(required, ParamServerHost, ParamServerPort)
	}
	if err := p.expect(required...); err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(p[ParamSessionKey])
	if err != nil {
		return nil, malformed("%s is not base64: %s", ParamSessionKey, err)
	}
	iv, err := base64.StdEncoding.DecodeString(p[ParamSessionIV])
	if err != nil {
		return nil, malformed("%s is not base64: %s", ParamSessionIV, err)
	}
	m := &SessionMessage{SessionKey: key, SessionIV: iv}
	if hasPort {
		m.ServerHost = p[ParamServerHost]
		m.ServerPort, err = parsePort(ParamServerPort, p[ParamServerPort])
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// expect checks that p holds exactly MessageType and the named parameters,
// each non-empty.
func (p Params) expect(names ...string) error {
	for _, name := range names {
		if v, ok := p[name]; !ok || v == "" {
			return malformed("%s is missing required parameter %s", p[ParamMessageType], name)
		}
	}
	if len(p) != len(names)+1 {
		return malformed("%s has %d unexpected parameters", p[ParamMessageType], len(p)-len(names)-1)
	}
	return nil
}

func parsePort(name, value string) (int, error) {
	port, err := strconv.Atoi(value)
	if err != nil || port < 1 || port > 65535 {
		return 0, malformed("%s %q is not a valid port", name, value)
	}
	return port, nil
}
