// Package tunnel carries the data channel of a session. It accepts the
// client's encrypted connection, waits for the key confirmation record, then
// dials the target and relays between them.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"hop.computer/forward/common"
	"hop.computer/forward/metrics"
	"hop.computer/forward/proxy"
	"hop.computer/forward/session"
)

// ErrRelayIO is wrapped by every error Run returns other than cancellation.
var ErrRelayIO = errors.New("relay i/o failure")

// RelayOptions tune a Relay. Zero values use the common defaults.
type RelayOptions struct {
	AcceptTimeout time.Duration
	DialTimeout   time.Duration

	// ConfirmTimeout bounds how long one accepted connection has to present
	// the key confirmation record. It never extends past AcceptTimeout.
	ConfirmTimeout time.Duration

	// Dial connects to the target. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Relay is the data channel of one Session.
type Relay struct {
	sess     *session.Session
	listener net.Listener
	keys     *session.KeyMaterial
	opts     RelayOptions
	log      *logrus.Entry
}

// NewRelay claims sess. The Relay owns the session from then on and closes it
// when Run returns.
func NewRelay(sess *session.Session, opts RelayOptions) (*Relay, error) {
	ln, keys, err := sess.Claim()
	if err != nil {
		return nil, err
	}
	if opts.AcceptTimeout == 0 {
		opts.AcceptTimeout = common.DefaultAcceptTimeout
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = common.DefaultDialTimeout
	}
	if opts.ConfirmTimeout == 0 {
		opts.ConfirmTimeout = common.DefaultHandshakeTimeout
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}
	return &Relay{
		sess:     sess,
		listener: ln,
		keys:     keys,
		opts:     opts,
		log: logrus.WithFields(logrus.Fields{
			"session": sess.ID,
			"client":  sess.Client,
			"target":  sess.TargetAddress(),
		}),
	}, nil
}

// Run waits for the client's data connection, dials the target and relays
// until either side closes or fails, or ctx is cancelled. The target is only
// dialed once a connection has proven it holds the session keys. Every
// resource of the session is released before Run returns.
func (r *Relay) Run(ctx context.Context) error {
	defer r.sess.Close()

	secure, err := r.accept(ctx)
	if err != nil {
		return r.fail(ctx, "accept", err)
	}
	defer secure.Close()

	dialCtx, cancel := context.WithTimeout(ctx, r.opts.DialTimeout)
	target, err := r.opts.Dial(dialCtx, "tcp", r.sess.TargetAddress())
	cancel()
	if err != nil {
		return r.fail(ctx, "dial", err)
	}
	defer target.Close()

	r.log.Info("relay: established")
	metrics.ActiveRelays.Inc()
	defer metrics.ActiveRelays.Dec()
	start := time.Now()

	stats, err := proxy.Relay(ctx, secure, target)

	metrics.RelayDurationSeconds.Observe(time.Since(start).Seconds())
	metrics.RelayBytesTotal.WithLabelValues(metrics.DirectionToTarget).Add(float64(stats.AToB))
	metrics.RelayBytesTotal.WithLabelValues(metrics.DirectionToClient).Add(float64(stats.BToA))
	r.log.WithFields(logrus.Fields{
		"to_target": stats.AToB,
		"to_client": stats.BToA,
	}).Info("relay: closed")

	if err != nil && !errors.Is(err, io.EOF) {
		return r.fail(ctx, "relay", err)
	}
	return nil
}

// accept waits for the client of this session: the first connection whose key
// confirmation record opens under the session keys. Connections that fail to
// confirm are dropped and the wait goes on until AcceptTimeout. The listener
// is closed on return.
func (r *Relay) accept(ctx context.Context) (*SecureConn, error) {
	defer r.listener.Close()
	stop := context.AfterFunc(ctx, func() { r.listener.Close() })
	defer stop()

	deadline := time.Now().Add(r.opts.AcceptTimeout)
	if dl, ok := r.listener.(interface{ SetDeadline(time.Time) error }); ok {
		if err := dl.SetDeadline(deadline); err != nil {
			return nil, err
		}
	} else {
		timer := time.AfterFunc(r.opts.AcceptTimeout, func() { r.listener.Close() })
		defer timer.Stop()
	}

	var rejected error
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if rejected != nil {
				return nil, fmt.Errorf("%w (last rejected connection: %w)", err, rejected)
			}
			return nil, err
		}
		secure, err := r.confirm(ctx, conn, deadline)
		if err == nil {
			r.log = r.log.WithField("remote", conn.RemoteAddr().String())
			return secure, nil
		}
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Warn("relay: dropped data connection without key confirmation")
		rejected = err
	}
}

// confirm reads the key confirmation record from conn before deadline.
func (r *Relay) confirm(ctx context.Context, conn net.Conn, deadline time.Time) (*SecureConn, error) {
	secure, err := NewSecureConn(conn, r.keys, RoleServer)
	if err != nil {
		return nil, err
	}
	if d := time.Now().Add(r.opts.ConfirmTimeout); d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Unix(1, 0)) })
	err = secure.AwaitConfirmation()
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return secure, nil
}

func (r *Relay) fail(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		r.log.WithError(err).Debugf("relay: cancelled during %s", step)
		return ctx.Err()
	}
	r.log.WithError(err).Warnf("relay: %s failed", step)
	return fmt.Errorf("%w: %s: %w", ErrRelayIO, step, err)
}
