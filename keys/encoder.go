package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
)

// PEM block types accepted for RSA private keys.
const (
	PEMTypeRSAPrivate   = "RSA PRIVATE KEY"
	PEMTypePKCS8Private = "PRIVATE KEY"
)

// DefaultKeyBits is the RSA modulus size used by GenerateRSAKey callers that
// have no preference.
const DefaultKeyBits = 2048

// GenerateRSAKey returns a new RSA private key.
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, bits)
}

// EncodeRSAKeyToPEM writes an RSA private key to PEM format (PKCS#1).
func EncodeRSAKeyToPEM(w io.Writer, key *rsa.PrivateKey) error {
	p := pem.Block{
		Type:  PEMTypeRSAPrivate,
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return pem.Encode(w, &p)
}

// RSAKeyFromPEM parses a PKCS#1 or PKCS#8 RSA private key block.
func RSAKeyFromPEM(p *pem.Block) (*rsa.PrivateKey, error) {
	switch p.Type {
	case PEMTypeRSAPrivate:
		return x509.ParsePKCS1PrivateKey(p.Bytes)
	case PEMTypePKCS8Private:
		k, err := x509.ParsePKCS8PrivateKey(p.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PKCS#8 key is %T, expected an RSA key", k)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unexpected PEM type %q", p.Type)
	}
}

// ReadRSAKeyFromPEMFile reads the first PEM-encoded RSA private key at the
// provided path.
func ReadRSAKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, _ := pem.Decode(b)
	if p == nil {
		return nil, errors.New("not a PEM file")
	}
	return RSAKeyFromPEM(p)
}
