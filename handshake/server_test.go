package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"

	"hop.computer/forward/certs"
	"hop.computer/forward/fwdtest"
	"hop.computer/forward/keys"
	"hop.computer/forward/pkg/thunks"
	"hop.computer/forward/session"
)

type testEnv struct {
	ca     *fwdtest.Authority
	server *fwdtest.Party
	client *fwdtest.Party
}

func newTestEnv(t *testing.T) *testEnv {
	ca := fwdtest.NewAuthority(t, "forward test ca")
	return &testEnv{
		ca:     ca,
		server: ca.Issue(t, "server.forward.test"),
		client: ca.Issue(t, "client.forward.test"),
	}
}

func (e *testEnv) coordinator(t *testing.T) *Coordinator {
	c, err := NewCoordinator(&ServerConfig{
		Certificate:      e.server.Certificate,
		Key:              e.server.Key,
		ClientVerify:     e.ca.Store,
		HandshakeTimeout: 5 * time.Second,
	})
	assert.NilError(t, err)
	return c
}

func (e *testEnv) clientConfig(host string, port int) *ClientConfig {
	return &ClientConfig{
		Certificate:      e.client.Certificate,
		Key:              e.client.Key,
		ServerVerify:     e.ca.Store,
		TargetHost:       host,
		TargetPort:       port,
		HandshakeTimeout: 5 * time.Second,
	}
}

type serverResult struct {
	sess *session.Session
	err  error
}

// serve runs the server handshake on one end of a pipe and returns the other.
func serve(ctx context.Context, c *Coordinator) (net.Conn, <-chan serverResult) {
	sc, cc := net.Pipe()
	ch := make(chan serverResult, 1)
	go func() {
		sess, err := c.Handshake(ctx, sc)
		ch <- serverResult{sess, err}
	}()
	return cc, ch
}

func handshakeState(t *testing.T, err error) State {
	var herr *HandshakeError
	assert.Assert(t, errors.As(err, &herr), "expected a HandshakeError, got %v", err)
	return herr.State
}

func TestHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	c := env.coordinator(t)
	ctx := context.Background()

	cc, results := serve(ctx, c)
	defer cc.Close()

	cs, err := ClientHandshake(ctx, cc, env.clientConfig("10.0.0.5", 9090))
	assert.NilError(t, err)
	res := <-results
	assert.NilError(t, res.err)
	sess := res.sess
	defer sess.Close()

	assert.Check(t, is.Equal("10.0.0.5", sess.TargetHost))
	assert.Check(t, is.Equal(9090, sess.TargetPort))
	assert.Check(t, is.Equal("10.0.0.5:9090", sess.TargetAddress()))
	assert.Check(t, is.Equal("client.forward.test", sess.Client))

	// The client decrypts exactly the key material the server generated.
	assert.Check(t, cs.Keys.Equal(sess.Keys()))
	assert.Check(t, is.Equal(16, len(cs.Keys.Key)))
	assert.Check(t, is.Equal(16, len(cs.Keys.IV)))
	assert.Check(t, cs.ServerCertificate.Equal(env.server.Certificate))

	// The advertised data address is where the session is listening.
	assert.Check(t, is.Equal(sess.ListenAddr().String(), cs.DataAddress()))
	dc, err := net.Dial("tcp", cs.DataAddress())
	assert.NilError(t, err)
	dc.Close()
}

func TestHandshakeKeyLengths(t *testing.T) {
	env := newTestEnv(t)
	for _, bits := range session.SupportedKeyLengths {
		t.Run(fmt.Sprintf("%d", bits), func(t *testing.T) {
			c, err := NewCoordinator(&ServerConfig{
				Certificate:  env.server.Certificate,
				Key:          env.server.Key,
				ClientVerify: env.ca.Store,
				KeyLength:    bits,
			})
			assert.NilError(t, err)
			cc, results := serve(context.Background(), c)
			defer cc.Close()

			cs, err := ClientHandshake(context.Background(), cc, env.clientConfig("localhost", 22))
			assert.NilError(t, err)
			res := <-results
			assert.NilError(t, res.err)
			defer res.sess.Close()
			assert.Check(t, is.Equal(bits, cs.Keys.KeyLength()))
			assert.Check(t, cs.Keys.Equal(res.sess.Keys()))
		})
	}

	_, err := NewCoordinator(&ServerConfig{
		Certificate:  env.server.Certificate,
		Key:          env.server.Key,
		ClientVerify: env.ca.Store,
		KeyLength:    64,
	})
	assert.Check(t, errors.Is(err, session.ErrUnsupportedKeyLength))
}

func TestUntrustedClient(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	stranger := fwdtest.NewAuthority(t, "someone else").Issue(t, "intruder")

	cc, results := serve(context.Background(), env.coordinator(t))
	defer cc.Close()

	cfg := env.clientConfig("10.0.0.5", 9090)
	cfg.Certificate, cfg.Key = stranger.Certificate, stranger.Key
	_, err := ClientHandshake(context.Background(), cc, cfg)
	assert.Check(t, err != nil)

	res := <-results
	assert.Check(t, res.sess == nil)
	assert.Check(t, errors.Is(res.err, ErrUntrustedCertificate))
	assert.Check(t, is.Equal(StateVerifyClientCert, handshakeState(t, res.err)))
	assert.ErrorContains(t, res.err, "VERIFY_CLIENT_CERT")
}

func TestExpiredClient(t *testing.T) {
	env := newTestEnv(t)
	expiring := env.ca.IssueWithValidity(t, "expiring", time.Minute)
	thunks.SetUpTest(time.Now().Add(time.Hour))
	defer thunks.TearDownTest()

	cc, results := serve(context.Background(), env.coordinator(t))
	defer cc.Close()

	go Encode(cc, &ClientHello{Certificate: certs.EncodeCertificate(expiring.Certificate)})
	res := <-results
	assert.Check(t, errors.Is(res.err, ErrUntrustedCertificate))
	assert.ErrorContains(t, res.err, "expired")
}

func TestUnparseableClientCertificate(t *testing.T) {
	env := newTestEnv(t)
	cc, results := serve(context.Background(), env.coordinator(t))
	defer cc.Close()

	go Encode(cc, &ClientHello{Certificate: "bm90IGEgY2VydGlmaWNhdGU="})
	res := <-results
	assert.Check(t, errors.Is(res.err, ErrUntrustedCertificate))
	assert.Check(t, is.Equal(StateVerifyClientCert, handshakeState(t, res.err)))
}

func TestUntrustedServer(t *testing.T) {
	env := newTestEnv(t)
	impostor := fwdtest.NewAuthority(t, "impostor ca")
	fake := impostor.Issue(t, "server.forward.test")

	c, err := NewCoordinator(&ServerConfig{
		Certificate:  fake.Certificate,
		Key:          fake.Key,
		ClientVerify: env.ca.Store,
	})
	assert.NilError(t, err)
	cc, results := serve(context.Background(), c)

	_, err = ClientHandshake(context.Background(), cc, env.clientConfig("localhost", 80))
	assert.Check(t, errors.Is(err, ErrUntrustedCertificate))
	cc.Close()

	// The server gives up once the client goes away.
	res := <-results
	assert.Check(t, res.sess == nil)
	assert.Check(t, is.Equal(StateAwaitForwardMessage, handshakeState(t, res.err)))
}

func TestMalformedClientHello(t *testing.T) {
	env := newTestEnv(t)
	cc, results := serve(context.Background(), env.coordinator(t))
	defer cc.Close()

	go cc.Write([]byte("MessageType=ClientHello\nCertificate=AAAA\n"))
	res := <-results
	assert.Check(t, res.sess == nil)
	assert.Check(t, errors.Is(res.err, ErrMalformedMessage))
	assert.Check(t, is.Equal(StateAwaitClientHello, handshakeState(t, res.err)))
}

func TestUnexpectedMessageType(t *testing.T) {
	env := newTestEnv(t)
	cc, results := serve(context.Background(), env.coordinator(t))
	defer cc.Close()

	go Encode(cc, &ForwardMessage{TargetHost: "10.0.0.5", TargetPort: 9090})
	res := <-results
	assert.Check(t, errors.Is(res.err, ErrInvalidMessageType))
	assert.Check(t, is.Equal(StateAwaitClientHello, handshakeState(t, res.err)))
}

func TestBindFailure(t *testing.T) {
	env := newTestEnv(t)
	c, err := NewCoordinator(&ServerConfig{
		Certificate:  env.server.Certificate,
		Key:          env.server.Key,
		ClientVerify: env.ca.Store,
		Listen: func(string) (net.Listener, error) {
			return nil, errors.New("address in use")
		},
	})
	assert.NilError(t, err)
	cc, results := serve(context.Background(), c)
	defer cc.Close()

	_, err = ClientHandshake(context.Background(), cc, env.clientConfig("localhost", 80))
	assert.Check(t, err != nil)
	res := <-results
	assert.Check(t, errors.Is(res.err, ErrBindFailure))
	assert.Check(t, is.Equal(StateEstablishSession, handshakeState(t, res.err)))
}

func TestHandshakeCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cc, results := serve(ctx, env.coordinator(t))
	defer cc.Close()

	cancel()
	res := <-results
	assert.Check(t, res.sess == nil)
	assert.Check(t, is.Equal(StateAwaitClientHello, handshakeState(t, res.err)))
}

func TestConcurrentHandshakes(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(t)
	const n = 4
	parties := make([]*fwdtest.Party, n)
	for i := range parties {
		parties[i] = env.ca.Issue(t, fmt.Sprintf("client-%d.forward.test", i))
	}

	var wg sync.WaitGroup
	sessions := make([]*session.Session, n)
	clients := make([]*ClientSession, n)
	errs := make([]error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cc, results := serve(context.Background(), c)
			defer cc.Close()
			cfg := env.clientConfig("localhost", 8000+i)
			cfg.Certificate, cfg.Key = parties[i].Certificate, parties[i].Key
			clients[i], errs[2*i] = ClientHandshake(context.Background(), cc, cfg)
			res := <-results
			sessions[i], errs[2*i+1] = res.sess, res.err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NilError(t, err)
	}

	ids := map[uint64]bool{}
	addrs := map[string]bool{}
	for i, sess := range sessions {
		defer sess.Close()
		assert.Check(t, is.Equal(8000+i, sess.TargetPort))
		assert.Check(t, is.Equal(parties[i].Certificate.Subject.CommonName, sess.Client))
		// The client opened its key with its own private key and got
		// exactly this session's key material.
		assert.Check(t, clients[i].Keys.Equal(sess.Keys()))
		ids[sess.ID] = true
		addrs[sess.ListenAddr().String()] = true
		for j := 0; j < i; j++ {
			assert.Check(t, !sessions[j].Keys().Equal(sess.Keys()))
		}
	}
	assert.Check(t, is.Len(ids, n))
	assert.Check(t, is.Len(addrs, n))
}

func TestSessionKeySealedToClient(t *testing.T) {
	env := newTestEnv(t)
	other := env.ca.Issue(t, "other.forward.test")
	cc, results := serve(context.Background(), env.coordinator(t))
	defer cc.Close()

	// Speak for the regular client, then try to open the session key with
	// another client's private key.
	assert.NilError(t, Encode(cc, &ClientHello{Certificate: certs.EncodeCertificate(env.client.Certificate)}))
	msg, err := Decode(cc)
	assert.NilError(t, err)
	_, ok := msg.(*ServerHello)
	assert.Assert(t, ok)
	assert.NilError(t, Encode(cc, &ForwardMessage{TargetHost: "localhost", TargetPort: 80}))
	msg, err = Decode(cc)
	assert.NilError(t, err)
	sm, ok := msg.(*SessionMessage)
	assert.Assert(t, ok)

	res := <-results
	assert.NilError(t, res.err)
	defer res.sess.Close()

	_, err = keys.DecryptWithPrivateKey(sm.SessionKey, other.Key)
	assert.Check(t, err != nil)
	key, err := keys.DecryptWithPrivateKey(sm.SessionKey, env.client.Key)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(res.sess.Keys().Key, key))
}

func TestNewCoordinatorValidation(t *testing.T) {
	env := newTestEnv(t)
	other := env.ca.Issue(t, "other")

	_, err := NewCoordinator(&ServerConfig{Key: env.server.Key, ClientVerify: env.ca.Store})
	assert.ErrorContains(t, err, "certificate is required")
	_, err = NewCoordinator(&ServerConfig{Certificate: env.server.Certificate, ClientVerify: env.ca.Store})
	assert.ErrorContains(t, err, "key is required")
	_, err = NewCoordinator(&ServerConfig{Certificate: env.server.Certificate, Key: other.Key, ClientVerify: env.ca.Store})
	assert.ErrorContains(t, err, "does not match")
	_, err = NewCoordinator(&ServerConfig{Certificate: env.server.Certificate, Key: env.server.Key})
	assert.ErrorContains(t, err, "certificate authority")
}
