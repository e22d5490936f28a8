package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ErrEncryptionFailure is returned (wrapped) when a secret cannot be encrypted
// or decrypted.
var ErrEncryptionFailure = errors.New("encryption failure")

// randReader is the entropy source for OAEP padding.
var randReader io.Reader = rand.Reader

func encryptionFailure(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrEncryptionFailure, fmt.Sprintf(format, args...))
}

// MaxPlaintextLen returns the largest secret that can be encrypted to pub.
func MaxPlaintextLen(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// EncryptWithPublicKey encrypts plaintext so that only the holder of the
// private half of recipient can recover it. recipient must be an RSA public
// key, as found in a certificate's PublicKey field.
func EncryptWithPublicKey(plaintext []byte, recipient crypto.PublicKey) ([]byte, error) {
	pub, ok := recipient.(*rsa.PublicKey)
	if !ok || pub == nil {
		return nil, encryptionFailure("recipient key is %T, expected *rsa.PublicKey", recipient)
	}
	if len(plaintext) == 0 {
		return nil, encryptionFailure("empty plaintext")
	}
	if limit := MaxPlaintextLen(pub); len(plaintext) > limit {
		return nil, encryptionFailure("plaintext is %d bytes, key allows at most %d", len(plaintext), limit)
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), randReader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEncryptionFailure, err)
	}
	return ciphertext, nil
}

// DecryptWithPrivateKey reverses EncryptWithPublicKey.
func DecryptWithPrivateKey(ciphertext []byte, key *rsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, encryptionFailure("nil private key")
	}
	if len(ciphertext) != key.Size() {
		return nil, encryptionFailure("ciphertext is %d bytes, expected %d", len(ciphertext), key.Size())
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEncryptionFailure, err)
	}
	return plaintext, nil
}

// PublicKeyMatches reports whether key is the private half of pub.
func PublicKeyMatches(key *rsa.PrivateKey, pub crypto.PublicKey) bool {
	if key == nil {
		return false
	}
	return key.PublicKey.Equal(pub)
}
