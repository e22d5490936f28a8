package tunnel

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"

	"golang.org/x/crypto/hkdf"

	"hop.computer/forward/session"
)

// Role selects which direction keys a SecureConn seals with.
type Role int

// Roles
const (
	RoleServer Role = iota
	RoleClient
)

// Record layer constants
const (
	// MaxRecordPlaintext is the largest plaintext carried by one record.
	MaxRecordPlaintext = 16 * 1024

	saltLen      = 4
	lengthLen    = 2
	maxRecordLen = MaxRecordPlaintext + 16
)

// HKDF info strings for the per-direction keys and nonce salts.
const (
	infoClientToServerKey  = "forward c2s key"
	infoServerToClientKey  = "forward s2c key"
	infoClientToServerSalt = "forward c2s salt"
	infoServerToClientSalt = "forward s2c salt"
)

// ErrAuthentication is returned when a record fails to decrypt.
var ErrAuthentication = errors.New("record authentication failed")

// keyConfirmation is the plaintext of the first record a client sends. A
// server relays nothing until it has opened it.
var keyConfirmation = []byte("forward key confirmation v1")

// ErrCounterExhausted is returned once a direction has used every nonce.
var ErrCounterExhausted = errors.New("record counter exhausted")

// halfConn is one direction of a SecureConn.
type halfConn struct {
	aead    cipher.AEAD
	salt    [saltLen]byte
	counter uint64
	nonce   [12]byte
}

func (h *halfConn) nextNonce() ([]byte, error) {
	if h.counter == math.MaxUint64 {
		return nil, ErrCounterExhausted
	}
	copy(h.nonce[:saltLen], h.salt[:])
	binary.BigEndian.PutUint64(h.nonce[saltLen:], h.counter)
	h.counter++
	return h.nonce[:], nil
}

// SecureConn carries a byte stream over conn as AES-GCM records:
//
//	length     uint16  length of ciphertext
//	ciphertext [length]byte
//
// Each direction has its own key and nonce salt derived from the session key
// material. Nonces are the salt followed by a big endian record counter.
type SecureConn struct {
	net.Conn

	wm  sync.Mutex
	out halfConn
	// +checklocks:wm
	wbuf []byte
	// +checklocks:wm
	werr error

	rm sync.Mutex
	in halfConn
	// +checklocks:rm
	rbuf []byte
	// +checklocks:rm
	pending []byte
	// +checklocks:rm
	rerr error
}

// NewSecureConn wraps conn. Both ends of a data channel must use the same key
// material and opposite roles.
func NewSecureConn(conn net.Conn, keys *session.KeyMaterial, role Role) (*SecureConn, error) {
	if keys == nil || len(keys.Key) == 0 {
		return nil, errors.New("secure conn requires key material")
	}
	c2s, err := newHalfConn(keys, infoClientToServerKey, infoClientToServerSalt)
	if err != nil {
		return nil, err
	}
	s2c, err := newHalfConn(keys, infoServerToClientKey, infoServerToClientSalt)
	if err != nil {
		return nil, err
	}
	sc := &SecureConn{
		Conn: conn,
		wbuf: make([]byte, lengthLen+maxRecordLen),
		rbuf: make([]byte, maxRecordLen),
	}
	if role == RoleClient {
		sc.out, sc.in = c2s, s2c
	} else {
		sc.out, sc.in = s2c, c2s
	}
	return sc, nil
}

func newHalfConn(keys *session.KeyMaterial, keyInfo, saltInfo string) (halfConn, error) {
	h := halfConn{}
	key := make([]byte, len(keys.Key))
	if _, err := io.ReadFull(hkdf.New(sha256.New, keys.Key, keys.IV, []byte(keyInfo)), key); err != nil {
		return h, err
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, keys.Key, keys.IV, []byte(saltInfo)), h.salt[:]); err != nil {
		return h, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return h, err
	}
	h.aead, err = cipher.NewGCM(block)
	return h, err
}

// Write seals b into one or more records.
func (c *SecureConn) Write(b []byte) (int, error) {
	c.wm.Lock()
	defer c.wm.Unlock()
	if c.werr != nil {
		return 0, c.werr
	}
	n := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > MaxRecordPlaintext {
			chunk = chunk[:MaxRecordPlaintext]
		}
		nonce, err := c.out.nextNonce()
		if err != nil {
			c.werr = err
			return n, err
		}
		sealed := c.out.aead.Seal(c.wbuf[lengthLen:lengthLen], nonce, chunk, nil)
		binary.BigEndian.PutUint16(c.wbuf[:lengthLen], uint16(len(sealed)))
		if _, err := c.Conn.Write(c.wbuf[:lengthLen+len(sealed)]); err != nil {
			c.werr = err
			return n, err
		}
		n += len(chunk)
		b = b[len(chunk):]
	}
	return n, nil
}

// Read returns plaintext from the next record. A clean end of stream on the
// underlying conn between records is io.EOF; anywhere else it is
// io.ErrUnexpectedEOF.
func (c *SecureConn) Read(b []byte) (int, error) {
	c.rm.Lock()
	defer c.rm.Unlock()
	if len(c.pending) == 0 {
		if c.rerr != nil {
			return 0, c.rerr
		}
		if len(b) == 0 {
			return 0, nil
		}
		if err := c.readRecord(); err != nil {
			c.rerr = err
			return 0, err
		}
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *SecureConn) readRecord() error {
	var header [lengthLen]byte
	for len(c.pending) == 0 {
		if _, err := io.ReadFull(c.Conn, header[:]); err != nil {
			return err
		}
		length := int(binary.BigEndian.Uint16(header[:]))
		if length < c.in.aead.Overhead() || length > maxRecordLen {
			return fmt.Errorf("invalid record length %d", length)
		}
		record := c.rbuf[:length]
		if _, err := io.ReadFull(c.Conn, record); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		nonce, err := c.in.nextNonce()
		if err != nil {
			return err
		}
		plaintext, err := c.in.aead.Open(record[:0], nonce, record, nil)
		if err != nil {
			return ErrAuthentication
		}
		c.pending = plaintext
	}
	return nil
}

// SendConfirmation writes the key confirmation record. Clients call it before
// any other Write.
func (c *SecureConn) SendConfirmation() error {
	_, err := c.Write(keyConfirmation)
	return err
}

// AwaitConfirmation reads the first record from the peer and checks that it
// is the key confirmation. A record that does not open under the session keys,
// or opens to anything else, is ErrAuthentication. End of stream before the
// record is io.ErrUnexpectedEOF.
func (c *SecureConn) AwaitConfirmation() error {
	c.rm.Lock()
	defer c.rm.Unlock()
	if c.rerr != nil {
		return c.rerr
	}
	if c.in.counter != 0 {
		return errors.New("key confirmation must be the first record")
	}
	if err := c.readRecord(); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		c.rerr = err
		return err
	}
	if !bytes.Equal(c.pending, keyConfirmation) {
		c.pending = nil
		c.rerr = ErrAuthentication
		return ErrAuthentication
	}
	c.pending = nil
	return nil
}

// CloseWrite shuts down the write half of the underlying conn. It fails if the
// underlying conn does not support half close.
func (c *SecureConn) CloseWrite() error {
	c.wm.Lock()
	defer c.wm.Unlock()
	cw, ok := c.Conn.(interface{ CloseWrite() error })
	if !ok {
		return errors.New("underlying connection does not support CloseWrite")
	}
	if c.werr == nil {
		c.werr = net.ErrClosed
	}
	return cw.CloseWrite()
}
