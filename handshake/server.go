package handshake

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"hop.computer/forward/certs"
	"hop.computer/forward/common"
	"hop.computer/forward/keys"
	"hop.computer/forward/session"
)

// Coordinator runs the server side of the handshake on accepted connections
// and produces Sessions. A Coordinator may be shared, but each call to
// Handshake owns its connection and the Session it returns.
type Coordinator struct {
	config  ServerConfig
	encoded string // server certificate in wire form

	nextSessionID atomic.Uint64
}

// NewCoordinator validates config and fills in defaults.
func NewCoordinator(config *ServerConfig) (*Coordinator, error) {
	if config.Certificate == nil {
		return nil, errors.New("server certificate is required")
	}
	if config.Key == nil {
		return nil, errors.New("server private key is required")
	}
	if !keys.PublicKeyMatches(config.Key, config.Certificate.PublicKey) {
		return nil, errors.New("server private key does not match certificate")
	}
	if config.ClientVerify.Authority() == nil {
		return nil, errors.New("a certificate authority for client verification is required")
	}
	c := &Coordinator{
		config:  *config,
		encoded: certs.EncodeCertificate(config.Certificate),
	}
	if c.config.DataAddress == "" {
		c.config.DataAddress = common.DefaultDataAddress
	}
	if c.config.KeyLength == 0 {
		c.config.KeyLength = common.DefaultKeyLength
	}
	if c.config.HandshakeTimeout == 0 {
		c.config.HandshakeTimeout = common.DefaultHandshakeTimeout
	}
	if c.config.Listen == nil {
		c.config.Listen = ListenData
	}
	// Fail at startup rather than on the first handshake.
	if _, err := session.Generate(c.config.KeyLength); err != nil {
		return nil, err
	}
	return c, nil
}

// serverHandshake tracks state across the lifetime of one handshake.
type serverHandshake struct {
	*Coordinator

	conn  net.Conn
	log   *logrus.Entry
	state State

	clientCert *x509.Certificate
	forward    *ForwardMessage

	listener net.Listener
	keys     *session.KeyMaterial
}

// Handshake runs the handshake state machine on conn and returns the
// negotiated Session. conn is always closed before Handshake returns. On
// failure the returned error is a *HandshakeError and no Session is produced.
func (c *Coordinator) Handshake(ctx context.Context, conn net.Conn) (*session.Session, error) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.config.HandshakeTimeout)); err != nil {
		return nil, &HandshakeError{State: StateAwaitClientHello, Err: err}
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	hs := &serverHandshake{
		Coordinator: c,
		conn:        conn,
		log:         logrus.WithField("remote", conn.RemoteAddr().String()),
	}
	sess, err := hs.run()
	if err != nil {
		hs.release()
		return nil, &HandshakeError{State: hs.state, Err: err}
	}
	return sess, nil
}

func (hs *serverHandshake) run() (*session.Session, error) {
	hs.state = StateAwaitClientHello
	if err := hs.readClientHello(); err != nil {
		return nil, err
	}

	hs.state = StateSendServerHello
	hs.log.Debug("server: sending server hello")
	if err := Encode(hs.conn, &ServerHello{Certificate: hs.encoded}); err != nil {
		return nil, err
	}

	hs.state = StateAwaitForwardMessage
	msg, err := Decode(hs.conn)
	if err != nil {
		return nil, err
	}
	fwd, ok := msg.(*ForwardMessage)
	if !ok {
		return nil, unexpected(msg.Type(), MessageTypeForwardMessage)
	}
	hs.forward = fwd
	hs.log = hs.log.WithField("target", net.JoinHostPort(fwd.TargetHost, strconv.Itoa(fwd.TargetPort)))

	hs.state = StateEstablishSession
	sm, err := hs.establishSession()
	if err != nil {
		return nil, err
	}

	hs.state = StateSendSessionMessage
	if err := Encode(hs.conn, sm); err != nil {
		return nil, err
	}

	hs.state = StateDone
	id := hs.nextSessionID.Add(1)
	sess := session.New(id, fwd.TargetHost, fwd.TargetPort, hs.listener, hs.keys)
	sess.Client = hs.clientCert.Subject.CommonName
	hs.log.WithField("session", id).Infof("handshake successful, data channel at %s", hs.listener.Addr())
	return sess, nil
}

func (hs *serverHandshake) readClientHello() error {
	msg, err := Decode(hs.conn)
	if err != nil {
		return err
	}
	hello, ok := msg.(*ClientHello)
	if !ok {
		return unexpected(msg.Type(), MessageTypeClientHello)
	}

	hs.state = StateVerifyClientCert
	cert, err := certs.DecodeCertificate(hello.Certificate)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUntrustedCertificate, err)
	}
	if err := hs.config.ClientVerify.Verify(cert); err != nil {
		return fmt.Errorf("%w: %s", ErrUntrustedCertificate, err)
	}
	hs.clientCert = cert
	hs.log = hs.log.WithField("client", cert.Subject.CommonName)
	hs.log.Debug("server: client certificate verified")
	return nil
}

func (hs *serverHandshake) establishSession() (*SessionMessage, error) {
	var err error
	hs.keys, err = session.Generate(hs.config.KeyLength)
	if err != nil {
		return nil, err
	}
	hs.listener, err = hs.config.Listen(hs.config.DataAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrBindFailure, hs.config.DataAddress, err)
	}

	pub := hs.clientCert.PublicKey
	encryptedKey, err := keys.EncryptWithPublicKey(hs.keys.Key, pub)
	if err != nil {
		return nil, err
	}
	encryptedIV, err := keys.EncryptWithPublicKey(hs.keys.IV, pub)
	if err != nil {
		return nil, err
	}

	host, port, err := hs.advertisedAddress()
	if err != nil {
		return nil, err
	}
	return &SessionMessage{
		SessionKey: encryptedKey,
		SessionIV:  encryptedIV,
		ServerHost: host,
		ServerPort: port,
	}, nil
}

// advertisedAddress returns the data listener address as the client should
// dial it. Wildcard binds are replaced by the address the client reached the
// handshake listener on.
func (hs *serverHandshake) advertisedAddress() (string, int, error) {
	addr, ok := hs.listener.Addr().(*net.TCPAddr)
	if !ok {
		host, portStr, err := net.SplitHostPort(hs.listener.Addr().String())
		if err != nil {
			return "", 0, err
		}
		port, err := strconv.Atoi(portStr)
		return host, port, err
	}
	host := addr.IP.String()
	if addr.IP == nil || addr.IP.IsUnspecified() {
		if local, ok := hs.conn.LocalAddr().(*net.TCPAddr); ok {
			host = local.IP.String()
		}
	}
	return host, addr.Port, nil
}

// release frees whatever a failed handshake allocated.
func (hs *serverHandshake) release() {
	if hs.listener != nil {
		hs.listener.Close()
		hs.listener = nil
	}
	hs.keys.Zero()
	hs.keys = nil
}
