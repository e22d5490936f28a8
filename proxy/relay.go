// Package proxy pumps bytes between two connections.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Stats counts the bytes copied in each direction of a Relay.
type Stats struct {
	AToB int64
	BToA int64
}

type closeWriter interface {
	CloseWrite() error
}

// Option configures a Relay.
type Option func(*options)

type options struct {
	halfClose bool
}

// WithHalfClose keeps the relay running after one direction reaches end of
// stream. The end of stream is passed on as a half close when the other side
// supports CloseWrite, and the opposite direction carries on until it ends
// too.
func WithHalfClose() Option {
	return func(o *options) { o.halfClose = true }
}

// Relay copies between a and b in both directions. By default the relay ends
// as soon as either side reaches end of stream or fails, or ctx is done. Both
// connections are always closed when Relay returns.
//
// The returned error is nil if the relay ended on a clean end of stream,
// ctx.Err() if it was cancelled, and otherwise the first copy error.
func Relay(ctx context.Context, a, b net.Conn, opts ...Option) (Stats, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var (
		stats    Stats
		once     sync.Once
		firstErr error
		wg       sync.WaitGroup
	)
	abort := func(err error) {
		once.Do(func() {
			firstErr = err
			a.Close()
			b.Close()
		})
	}
	stop := context.AfterFunc(ctx, func() { abort(ctx.Err()) })
	defer stop()

	pipe := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		var err error
		*n, err = io.Copy(dst, src)
		if err != nil {
			abort(err)
			return
		}
		if o.halfClose {
			if cw, ok := dst.(closeWriter); ok && cw.CloseWrite() == nil {
				return
			}
		}
		abort(nil)
	}

	logrus.Debugf("proxy: starting relay between %v and %v", a.RemoteAddr(), b.RemoteAddr())
	wg.Add(2)
	go pipe(b, a, &stats.AToB)
	go pipe(a, b, &stats.BToA)
	wg.Wait()
	abort(nil)

	if errors.Is(firstErr, net.ErrClosed) && ctx.Err() != nil {
		firstErr = ctx.Err()
	}
	logrus.Debugf("proxy: relay between %v and %v done, %d bytes a->b, %d bytes b->a, err: %v",
		a.RemoteAddr(), b.RemoteAddr(), stats.AToB, stats.BToA, firstErr)
	return stats, firstErr
}
