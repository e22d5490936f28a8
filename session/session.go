package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrAlreadyClaimed is returned when a second consumer claims a Session.
var ErrAlreadyClaimed = errors.New("session already claimed")

// Session is the negotiated outcome of one handshake. It owns its data
// listener and key material, and is handed to exactly one tunnel relay.
type Session struct {
	ID         uint64
	TargetHost string
	TargetPort int

	// Client is the subject of the verified client certificate.
	Client string

	m       sync.Mutex
	claimed bool
	closed  bool

	// +checklocks:m
	listener net.Listener
	// +checklocks:m
	keys *KeyMaterial
}

// New returns a Session owning listener and keys.
func New(id uint64, targetHost string, targetPort int, listener net.Listener, keys *KeyMaterial) *Session {
	return &Session{
		ID:         id,
		TargetHost: targetHost,
		TargetPort: targetPort,
		listener:   listener,
		keys:       keys,
	}
}

// TargetAddress returns host:port of the forwarding target.
func (s *Session) TargetAddress() string {
	return net.JoinHostPort(s.TargetHost, strconv.Itoa(s.TargetPort))
}

// ListenAddr returns the address of the data channel listener.
func (s *Session) ListenAddr() net.Addr {
	s.m.Lock()
	defer s.m.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Keys returns the session key material. The returned value is owned by the
// session and is zeroed by Close.
func (s *Session) Keys() *KeyMaterial {
	s.m.Lock()
	defer s.m.Unlock()
	return s.keys
}

// Claim hands the listener and key material to the caller. It succeeds once;
// later calls return ErrAlreadyClaimed.
func (s *Session) Claim() (net.Listener, *KeyMaterial, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.claimed || s.closed {
		return nil, nil, ErrAlreadyClaimed
	}
	s.claimed = true
	return s.listener, s.keys, nil
}

// Close releases the data listener and zeroes the key material. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.keys.Zero()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Session) String() string {
	return fmt.Sprintf("session %d (%s -> %s)", s.ID, s.Client, s.TargetAddress())
}
