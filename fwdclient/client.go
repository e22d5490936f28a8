// Package fwdclient is the client side of a forward tunnel. It accepts a
// plaintext connection locally, negotiates a session with the forward server
// and carries the connection through the encrypted data channel.
package fwdclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"hop.computer/forward/certs"
	"hop.computer/forward/config"
	"hop.computer/forward/handshake"
	"hop.computer/forward/proxy"
	"hop.computer/forward/tunnel"
)

// DefaultMaxDialAttempts bounds the data channel dial retries.
const DefaultMaxDialAttempts = 5

// Client holds a loaded client configuration.
type Client struct {
	config    config.ClientConfig
	handshake handshake.ClientConfig

	// MaxDialAttempts bounds data channel dial attempts.
	MaxDialAttempts int
	// DialBackoff spaces data channel dial attempts.
	DialBackoff backoff.Backoff
}

// New loads the credentials named by cfg.
func New(cfg *config.ClientConfig) (*Client, error) {
	c := *cfg
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	creds, err := c.Credentials()
	if err != nil {
		return nil, err
	}
	return &Client{
		config: c,
		handshake: handshake.ClientConfig{
			Certificate:      creds.Certificate,
			Key:              creds.Key,
			ServerVerify:     certs.NewStore(creds.Authority),
			TargetHost:       c.TargetHost,
			TargetPort:       c.TargetPort,
			HandshakeTimeout: c.HandshakeTimeout.Duration,
		},
		MaxDialAttempts: DefaultMaxDialAttempts,
		DialBackoff: backoff.Backoff{
			Min:    50 * time.Millisecond,
			Max:    2 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}, nil
}

// Handshake connects to the server's handshake port and negotiates a session.
func (c *Client) Handshake(ctx context.Context) (*handshake.ClientSession, error) {
	d := net.Dialer{Timeout: c.handshake.HandshakeTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.config.HandshakeAddress())
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	cs, err := handshake.ClientHandshake(ctx, conn, &c.handshake)
	if err != nil {
		return nil, err
	}
	if cs.ServerPort == 0 {
		cs.Keys.Zero()
		return nil, errors.New("server did not advertise a data channel")
	}
	logrus.Infof("client: session established with %q, data channel at %s",
		cs.ServerCertificate.Subject.CommonName, cs.DataAddress())
	return cs, nil
}

// DialData connects to the data channel of cs, retrying with backoff, and
// sends the key confirmation record.
func (c *Client) DialData(ctx context.Context, cs *handshake.ClientSession) (*tunnel.SecureConn, error) {
	b := c.DialBackoff
	b.Reset()
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", cs.DataAddress())
		if err == nil {
			return confirm(conn, cs)
		}
		attempt := int(b.Attempt()) + 1
		if attempt >= c.MaxDialAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("unable to connect to data channel %s after %d attempts: %w", cs.DataAddress(), attempt, err)
		}
		delay := b.Duration()
		logrus.Debugf("client: data channel dial failed: %s (attempt %d/%d), retrying in %s", err, attempt, c.MaxDialAttempts, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// confirm wraps conn and sends the key confirmation record. conn is closed on
// failure.
func confirm(conn net.Conn, cs *handshake.ClientSession) (*tunnel.SecureConn, error) {
	secure, err := tunnel.NewSecureConn(conn, cs.Keys, tunnel.RoleClient)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := secure.SendConfirmation(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to confirm data channel keys: %w", err)
	}
	return secure, nil
}

// Run binds the configured proxy address and calls Serve.
func (c *Client) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.config.ProxyAddress())
	if err != nil {
		return err
	}
	return c.Serve(ctx, ln)
}

// Serve waits for one plaintext connection on ln, then negotiates a session
// and relays the connection through it. ln is closed before Serve returns.
func (c *Client) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logrus.Infof("client: forwarder to target %s:%d waiting for incoming connections at %s",
		c.config.TargetHost, c.config.TargetPort, ln.Addr())
	local, err := ln.Accept()
	ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer local.Close()

	cs, err := c.Handshake(ctx)
	if err != nil {
		return err
	}
	remote, err := c.DialData(ctx, cs)
	if err != nil {
		cs.Keys.Zero()
		return err
	}
	defer remote.Close()

	stats, err := proxy.Relay(ctx, local, remote, proxy.WithHalfClose())
	cs.Keys.Zero()
	logrus.Infof("client: session closed, %d bytes sent, %d bytes received", stats.AToB, stats.BToA)
	return err
}
