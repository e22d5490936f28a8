// Package fwdserver accepts handshakes and runs a tunnel relay for every
// session they produce.
package fwdserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"hop.computer/forward/certs"
	"hop.computer/forward/config"
	"hop.computer/forward/handshake"
	"hop.computer/forward/keys"
	"hop.computer/forward/metrics"
	"hop.computer/forward/tunnel"
)

// ErrBindFailure is returned when the handshake listener cannot be bound.
var ErrBindFailure = errors.New("unable to bind handshake listener")

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("forward server closed")

// Server is a forward server. It runs one handshake at a time and a relay
// goroutine per established session, bounded by MaxRelays.
type Server struct {
	config       config.ServerConfig
	coordinator  *handshake.Coordinator
	relayOptions tunnel.RelayOptions
	slots        *semaphore.Weighted

	m        sync.Mutex
	closed   bool
	listener net.Listener
	cancel   context.CancelFunc

	relays sync.WaitGroup
}

// New loads the credentials named by cfg and returns a Server. Unset fields of
// cfg take their defaults.
func New(cfg *config.ServerConfig) (*Server, error) {
	c := *cfg
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	creds, err := c.Credentials()
	if err != nil {
		return nil, err
	}
	coordinator, err := handshake.NewCoordinator(&handshake.ServerConfig{
		Certificate:      creds.Certificate,
		Key:              creds.Key,
		ClientVerify:     certs.NewStore(creds.Authority),
		DataAddress:      c.DataAddress,
		KeyLength:        c.KeyLength,
		HandshakeTimeout: c.HandshakeTimeout.Duration,
	})
	if err != nil {
		return nil, err
	}
	logrus.Infof("server: loaded certificate %q issued by %q", creds.Certificate.Subject.CommonName, creds.Authority.Subject.CommonName)
	return &Server{
		config:      c,
		coordinator: coordinator,
		relayOptions: tunnel.RelayOptions{
			AcceptTimeout:  c.AcceptTimeout.Duration,
			ConfirmTimeout: c.HandshakeTimeout.Duration,
		},
		slots: semaphore.NewWeighted(int64(c.MaxRelays)),
	}, nil
}

// ListenAndServe binds the configured handshake address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.config.HandshakeAddress()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrBindFailure, addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts handshakes on ln until ctx is done or Close is called, which
// both return nil. Serve closes ln and waits for every relay it started to
// finish before it returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		cancel()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.cancel = cancel
	s.m.Unlock()

	defer s.relays.Wait()
	defer cancel()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logrus.Infof("server: listening for handshakes on %s", ln.Addr())
	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logrus.Info("server: shutting down")
				return nil
			}
			var ne net.Error
			if (errors.As(err, &ne) && ne.Timeout()) || isTemporary(err) {
				delay := b.Duration()
				logrus.Warnf("server: accept error: %s; retrying in %v", err, delay)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return err
		}
		b.Reset()
		s.handle(ctx, conn)
	}
}

func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

// handle runs one handshake to completion. Failures only affect conn.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	log := logrus.WithField("remote", conn.RemoteAddr().String())
	if !s.slots.TryAcquire(1) {
		metrics.RelaysRejectedTotal.Inc()
		log.Warnf("server: all %d relay slots in use, closing connection", s.config.MaxRelays)
		conn.Close()
		return
	}

	sess, err := s.coordinator.Handshake(ctx, conn)
	if err != nil {
		s.slots.Release(1)
		metrics.HandshakesTotal.WithLabelValues(handshakeResult(err)).Inc()
		entry := log.WithError(err)
		var herr *handshake.HandshakeError
		if errors.As(err, &herr) {
			entry = entry.WithField("state", herr.State.String())
		}
		entry.Warn("server: handshake failed")
		return
	}
	metrics.HandshakesTotal.WithLabelValues(metrics.ResultSuccess).Inc()

	relay, err := tunnel.NewRelay(sess, s.relayOptions)
	if err != nil {
		s.slots.Release(1)
		sess.Close()
		log.WithError(err).Error("server: unable to start relay")
		return
	}
	s.relays.Add(1)
	go func() {
		defer s.relays.Done()
		defer s.slots.Release(1)
		if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).WithField("session", sess.ID).Warn("server: relay ended with error")
		}
	}()
}

func handshakeResult(err error) string {
	switch {
	case errors.Is(err, handshake.ErrUntrustedCertificate):
		return metrics.ResultUntrusted
	case errors.Is(err, handshake.ErrMalformedMessage):
		return metrics.ResultMalformed
	case errors.Is(err, handshake.ErrInvalidMessageType):
		return metrics.ResultInvalid
	case errors.Is(err, handshake.ErrBindFailure):
		return metrics.ResultBind
	case errors.Is(err, keys.ErrEncryptionFailure):
		return metrics.ResultEncryption
	default:
		return metrics.ResultError
	}
}

// Addr returns the address Serve is listening on, or nil.
func (s *Server) Addr() net.Addr {
	s.m.Lock()
	defer s.m.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops Serve and cancels every running relay. It does not wait for
// them; Serve does.
func (s *Server) Close() error {
	s.m.Lock()
	defer s.m.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
