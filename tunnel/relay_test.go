package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"golang.org/x/net/nettest"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"

	"hop.computer/forward/fwdtest"
	"hop.computer/forward/metrics"
	"hop.computer/forward/session"
)

func newSession(t *testing.T, target net.Addr) *session.Session {
	ln, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)
	host, port := fwdtest.HostPort(t, target)
	return session.New(7, host, port, ln, newKeys(t))
}

// dialConfirmed connects to a data listener and sends the key confirmation.
func dialConfirmed(t *testing.T, addr string, keys *session.KeyMaterial) *SecureConn {
	raw, err := net.Dial("tcp", addr)
	assert.NilError(t, err)
	client := newSecure(t, raw, keys, RoleClient)
	assert.NilError(t, client.SendConfirmation())
	return client
}

// countingDialer records how often a Relay dials its target.
type countingDialer struct {
	dials atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d.dials.Add(1)
	return (&net.Dialer{}).DialContext(ctx, network, addr)
}

func copyKeys(km *session.KeyMaterial) *session.KeyMaterial {
	return &session.KeyMaterial{
		Key: append([]byte{}, km.Key...),
		IV:  append([]byte{}, km.IV...),
	}
}

func runRelay(ctx context.Context, r *Relay) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return done
}

func TestRelay(t *testing.T) {
	defer goleak.VerifyNone(t)
	target := fwdtest.EchoTarget(t)
	defer target.Close()

	sess := newSession(t, target.Addr())
	keys := *copyKeys(sess.Keys())
	dataAddr := sess.ListenAddr().String()

	r, err := NewRelay(sess, RelayOptions{AcceptTimeout: 5 * time.Second})
	assert.NilError(t, err)
	_, err = NewRelay(sess, RelayOptions{})
	assert.Check(t, errors.Is(err, session.ErrAlreadyClaimed))

	activeBefore := testutil.ToFloat64(metrics.ActiveRelays)
	done := runRelay(context.Background(), r)
	// Nothing is established until the client has confirmed its keys.
	assert.Check(t, is.Equal(activeBefore, testutil.ToFloat64(metrics.ActiveRelays)))

	client := dialConfirmed(t, dataAddr, &keys)
	defer client.Close()

	payload := make([]byte, 3*MaxRecordPlaintext+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	go client.Write(payload)
	got := make([]byte, len(payload))
	_, err = io.ReadFull(client, got)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(payload, got))
	assert.Check(t, is.Equal(activeBefore+1, testutil.ToFloat64(metrics.ActiveRelays)))

	// Closing the client side ends the relay.
	assert.NilError(t, client.CloseWrite())
	rest, err := io.ReadAll(client)
	assert.NilError(t, err)
	assert.Check(t, is.Len(rest, 0))

	assert.NilError(t, <-done)
	assert.Check(t, is.Equal(activeBefore, testutil.ToFloat64(metrics.ActiveRelays)))

	// The session is spent: keys zeroed and the data listener closed.
	assert.Check(t, is.DeepEqual(make([]byte, len(keys.Key)), sess.Keys().Key))
	_, err = net.DialTimeout("tcp", dataAddr, time.Second)
	assert.Check(t, err != nil)
}

func TestRelayAcceptTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	target := fwdtest.EchoTarget(t)
	defer target.Close()

	sess := newSession(t, target.Addr())
	r, err := NewRelay(sess, RelayOptions{AcceptTimeout: 50 * time.Millisecond})
	assert.NilError(t, err)

	err = <-runRelay(context.Background(), r)
	assert.Check(t, errors.Is(err, ErrRelayIO))
	assert.ErrorContains(t, err, "accept")
}

func TestRelayCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)
	target := fwdtest.EchoTarget(t)
	defer target.Close()

	sess := newSession(t, target.Addr())
	r, err := NewRelay(sess, RelayOptions{})
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runRelay(ctx, r)
	cancel()
	select {
	case err := <-done:
		assert.Check(t, errors.Is(err, context.Canceled))
	case <-time.After(3 * time.Second):
		t.Fatal("relay ignored cancellation")
	}
}

func TestRelayCancelledWhileConfirming(t *testing.T) {
	defer goleak.VerifyNone(t)
	target := fwdtest.EchoTarget(t)
	defer target.Close()

	sess := newSession(t, target.Addr())
	dataAddr := sess.ListenAddr().String()
	r, err := NewRelay(sess, RelayOptions{})
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runRelay(ctx, r)

	raw, err := net.Dial("tcp", dataAddr)
	assert.NilError(t, err)
	defer raw.Close()

	cancel()
	assert.Check(t, errors.Is(<-done, context.Canceled))
	// Depending on timing the connection is closed or reset.
	io.ReadAll(raw)
}

func TestRelayDialFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	closed, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)
	addr := closed.Addr()
	closed.Close()

	sess := newSession(t, addr)
	dataAddr := sess.ListenAddr().String()
	keys := copyKeys(sess.Keys())
	r, err := NewRelay(sess, RelayOptions{DialTimeout: time.Second})
	assert.NilError(t, err)
	done := runRelay(context.Background(), r)

	client := dialConfirmed(t, dataAddr, keys)
	defer client.Close()

	err = <-done
	assert.Check(t, errors.Is(err, ErrRelayIO))
	assert.ErrorContains(t, err, "dial")

	// The client connection is dropped.
	_, err = io.ReadAll(client)
	assert.NilError(t, err)
}

func TestRelayCancelledWhileRelaying(t *testing.T) {
	defer goleak.VerifyNone(t)
	target := fwdtest.EchoTarget(t)
	defer target.Close()

	sess := newSession(t, target.Addr())
	dataAddr := sess.ListenAddr().String()
	keys := copyKeys(sess.Keys())
	r, err := NewRelay(sess, RelayOptions{})
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runRelay(ctx, r)

	client := dialConfirmed(t, dataAddr, keys)
	defer client.Close()
	_, err = client.Write([]byte("ping"))
	assert.NilError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(client, buf)
	assert.NilError(t, err)

	cancel()
	assert.Check(t, errors.Is(<-done, context.Canceled))
}

func TestRelayEndsWhenTargetCloses(t *testing.T) {
	defer goleak.VerifyNone(t)
	// A target that hangs up on every connection.
	target, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)
	defer target.Close()
	go func() {
		for {
			c, err := target.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	sess := newSession(t, target.Addr())
	dataAddr := sess.ListenAddr().String()
	keys := copyKeys(sess.Keys())
	r, err := NewRelay(sess, RelayOptions{})
	assert.NilError(t, err)
	done := runRelay(context.Background(), r)

	// The client stays connected and never closes its write half.
	client := dialConfirmed(t, dataAddr, keys)
	defer client.Close()

	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("relay kept running after the target closed")
	}
	_, err = io.ReadAll(client)
	assert.NilError(t, err)
}

func TestRelayUnconfirmedConnections(t *testing.T) {
	for _, tc := range []struct {
		name string
		peer func(t *testing.T, conn net.Conn, keys *session.KeyMaterial)
	}{
		{"silent", func(t *testing.T, conn net.Conn, keys *session.KeyMaterial) {}},
		{"disconnect", func(t *testing.T, conn net.Conn, keys *session.KeyMaterial) {
			conn.Close()
		}},
		{"garbage", func(t *testing.T, conn net.Conn, keys *session.KeyMaterial) {
			conn.Write([]byte("GET / HTTP/1.1\r\nHost: target\r\n\r\n"))
		}},
		{"wrong keys", func(t *testing.T, conn net.Conn, keys *session.KeyMaterial) {
			assert.NilError(t, newSecure(t, conn, newKeys(t), RoleClient).SendConfirmation())
		}},
		{"data before confirmation", func(t *testing.T, conn net.Conn, keys *session.KeyMaterial) {
			_, err := newSecure(t, conn, keys, RoleClient).Write([]byte("GET / HTTP/1.1\r\n\r\n"))
			assert.NilError(t, err)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)
			target := fwdtest.EchoTarget(t)
			defer target.Close()

			sess := newSession(t, target.Addr())
			dataAddr := sess.ListenAddr().String()
			keys := copyKeys(sess.Keys())
			dialer := &countingDialer{}
			r, err := NewRelay(sess, RelayOptions{AcceptTimeout: 300 * time.Millisecond, Dial: dialer.Dial})
			assert.NilError(t, err)
			done := runRelay(context.Background(), r)

			conn, err := net.Dial("tcp", dataAddr)
			assert.NilError(t, err)
			defer conn.Close()
			tc.peer(t, conn, keys)

			select {
			case err := <-done:
				assert.Check(t, errors.Is(err, ErrRelayIO), "got %v", err)
				assert.ErrorContains(t, err, "accept")
			case <-time.After(3 * time.Second):
				t.Fatal("relay did not give up")
			}
			assert.Check(t, is.Equal(int32(0), dialer.dials.Load()))
		})
	}
}

func TestRelayClientAfterUnconfirmedConnection(t *testing.T) {
	defer goleak.VerifyNone(t)
	target := fwdtest.EchoTarget(t)
	defer target.Close()

	sess := newSession(t, target.Addr())
	dataAddr := sess.ListenAddr().String()
	keys := copyKeys(sess.Keys())
	dialer := &countingDialer{}
	r, err := NewRelay(sess, RelayOptions{AcceptTimeout: 5 * time.Second, Dial: dialer.Dial})
	assert.NilError(t, err)
	done := runRelay(context.Background(), r)

	// Someone else reaches the data port first.
	intruder, err := net.Dial("tcp", dataAddr)
	assert.NilError(t, err)
	defer intruder.Close()
	_, err = intruder.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	assert.NilError(t, err)
	_, err = io.ReadAll(intruder)
	assert.Check(t, err == nil || errors.Is(err, syscall.ECONNRESET), "got %v", err)
	assert.Check(t, is.Equal(int32(0), dialer.dials.Load()))

	// The session's client still gets through.
	client := dialConfirmed(t, dataAddr, keys)
	defer client.Close()
	_, err = client.Write([]byte("ping"))
	assert.NilError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(client, buf)
	assert.NilError(t, err)
	assert.Check(t, is.Equal("ping", string(buf)))
	assert.Check(t, is.Equal(int32(1), dialer.dials.Load()))

	assert.NilError(t, client.CloseWrite())
	assert.NilError(t, <-done)
}
