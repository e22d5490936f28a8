package handshake

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"hop.computer/forward/certs"
	"hop.computer/forward/common"
	"hop.computer/forward/keys"
	"hop.computer/forward/session"
)

// ClientSession is what the client learns from a successful handshake.
type ClientSession struct {
	// ServerHost and ServerPort locate the data channel. ServerPort is zero if
	// the server did not send them.
	ServerHost string
	ServerPort int

	Keys              *session.KeyMaterial
	ServerCertificate *x509.Certificate
}

// DataAddress returns host:port of the data channel.
func (cs *ClientSession) DataAddress() string {
	return net.JoinHostPort(cs.ServerHost, strconv.Itoa(cs.ServerPort))
}

// ClientHandshake runs the client side of the handshake on conn. The caller
// owns conn; the server closes it after the SessionMessage.
func ClientHandshake(ctx context.Context, conn net.Conn, config *ClientConfig) (*ClientSession, error) {
	if config.Certificate == nil || config.Key == nil {
		return nil, errors.New("client certificate and key are required")
	}
	timeout := config.HandshakeTimeout
	if timeout == 0 {
		timeout = common.DefaultHandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	logrus.Debug("client: sending client hello")
	if err := Encode(conn, &ClientHello{Certificate: certs.EncodeCertificate(config.Certificate)}); err != nil {
		return nil, err
	}

	msg, err := Decode(conn)
	if err != nil {
		return nil, err
	}
	hello, ok := msg.(*ServerHello)
	if !ok {
		return nil, unexpected(msg.Type(), MessageTypeServerHello)
	}
	serverCert, err := certs.DecodeCertificate(hello.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedCertificate, err)
	}
	if err := config.ServerVerify.Verify(serverCert); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedCertificate, err)
	}
	logrus.Debugf("client: server certificate %q verified", serverCert.Subject.CommonName)

	fwd := &ForwardMessage{TargetHost: config.TargetHost, TargetPort: config.TargetPort}
	if err := Encode(conn, fwd); err != nil {
		return nil, err
	}

	msg, err = Decode(conn)
	if err != nil {
		return nil, err
	}
	sm, ok := msg.(*SessionMessage)
	if !ok {
		return nil, unexpected(msg.Type(), MessageTypeSessionMessage)
	}
	key, err := keys.DecryptWithPrivateKey(sm.SessionKey, config.Key)
	if err != nil {
		return nil, err
	}
	iv, err := keys.DecryptWithPrivateKey(sm.SessionIV, config.Key)
	if err != nil {
		return nil, err
	}
	km, err := session.NewKeyMaterial(key, iv)
	if err != nil {
		return nil, err
	}
	return &ClientSession{
		ServerHost:        sm.ServerHost,
		ServerPort:        sm.ServerPort,
		Keys:              km,
		ServerCertificate: serverCert,
	}, nil
}
