// Package session holds the outcome of a successful handshake: the target the
// client asked for, the listener reserved for its data channel, and the
// symmetric key material protecting that channel.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

// IVLen is the length of a session initialization vector in bytes.
const IVLen = 16

// ErrUnsupportedKeyLength is returned by Generate for key lengths other than
// 128, 192 or 256 bits.
var ErrUnsupportedKeyLength = errors.New("unsupported session key length")

// SupportedKeyLengths lists the key lengths, in bits, accepted by Generate.
var SupportedKeyLengths = []int{128, 192, 256}

// randReader is the entropy source for key material. It is only replaced in
// tests.
var randReader io.Reader = rand.Reader

// KeyMaterial is the symmetric key and IV of one session. It must not be
// shared between sessions.
type KeyMaterial struct {
	Key []byte
	IV  []byte
}

// Generate returns fresh key material with a key of keyLength bits.
func Generate(keyLength int) (*KeyMaterial, error) {
	if !supported(keyLength) {
		return nil, fmt.Errorf("%w: %d bits", ErrUnsupportedKeyLength, keyLength)
	}
	km := &KeyMaterial{
		Key: make([]byte, keyLength/8),
		IV:  make([]byte, IVLen),
	}
	if _, err := io.ReadFull(randReader, km.Key); err != nil {
		return nil, fmt.Errorf("unable to read random key: %w", err)
	}
	if _, err := io.ReadFull(randReader, km.IV); err != nil {
		km.Zero()
		return nil, fmt.Errorf("unable to read random IV: %w", err)
	}
	return km, nil
}

// NewKeyMaterial validates and copies a key and IV received from a peer.
func NewKeyMaterial(key, iv []byte) (*KeyMaterial, error) {
	if !supported(len(key) * 8) {
		return nil, fmt.Errorf("%w: %d bits", ErrUnsupportedKeyLength, len(key)*8)
	}
	if len(iv) != IVLen {
		return nil, fmt.Errorf("invalid IV length %d, expected %d", len(iv), IVLen)
	}
	return &KeyMaterial{
		Key: append([]byte(nil), key...),
		IV:  append([]byte(nil), iv...),
	}, nil
}

func supported(bits int) bool {
	for _, l := range SupportedKeyLengths {
		if bits == l {
			return true
		}
	}
	return false
}

// KeyLength returns the key length in bits.
func (km *KeyMaterial) KeyLength() int {
	return len(km.Key) * 8
}

// Equal compares two sets of key material in constant time.
func (km *KeyMaterial) Equal(other *KeyMaterial) bool {
	if km == nil || other == nil {
		return km == other
	}
	return subtle.ConstantTimeCompare(km.Key, other.Key) == 1 &&
		subtle.ConstantTimeCompare(km.IV, other.IV) == 1
}

// Zero overwrites the key and IV.
func (km *KeyMaterial) Zero() {
	if km == nil {
		return
	}
	for i := range km.Key {
		km.Key[i] = 0
	}
	for i := range km.IV {
		km.IV[i] = 0
	}
}
